package transfer

// Split slices data into ordered chunks of at most size bytes. The chunks
// share the data backing array.
func Split(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		chunks = append(chunks, data[start:end:end])
	}

	return chunks
}
