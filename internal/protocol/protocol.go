package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slok/printlink/internal/model"
)

// Type is the discriminator of a device message.
type Type string

// Message types.
const (
	TypeChunkFirst  Type = "chunk_first"
	TypeChunk       Type = "chunk"
	TypeChunkCommit Type = "chunk_commit"
	TypeCommand     Type = "command"
	TypeResult      Type = "result"
	TypeProgress    Type = "progress"
)

// DefaultMaxChunkSize is the largest raw (pre base64) chunk payload a device accepts.
const DefaultMaxChunkSize = 32 * 1024

// RequestTopic is the topic where a device listens for client messages.
func RequestTopic(deviceID string) string { return "device/" + deviceID + "/request" }

// ReportTopic is the topic where a device publishes its answers.
func ReportTopic(deviceID string) string { return "device/" + deviceID + "/report" }

// Message is implemented by every device message kind.
type Message interface {
	MessageType() Type
	Validate() error
}

// ChunkFirst opens a transfer and carries the chunk with index 0.
type ChunkFirst struct {
	UploadID  string       `json:"upload_id"`
	Index     int          `json:"index"`
	Name      string       `json:"name"`
	TotalSize int64        `json:"total_size"`
	DataB64   string       `json:"data_b64"`
	Size      int          `json:"size"`
	Target    model.Target `json:"target"`
}

func (ChunkFirst) MessageType() Type { return TypeChunkFirst }

func (m ChunkFirst) Validate() error {
	if m.UploadID == "" {
		return errors.New("upload_id is required")
	}
	if m.Index != 0 {
		return fmt.Errorf("first chunk index must be 0, got %d", m.Index)
	}
	if m.Name == "" {
		return errors.New("name is required")
	}
	if int64(m.Size) > m.TotalSize {
		return fmt.Errorf("chunk size %d bigger than total size %d", m.Size, m.TotalSize)
	}
	if err := m.Target.Validate(); err != nil {
		return err
	}
	return validateData(m.DataB64, m.Size)
}

func (m ChunkFirst) MarshalJSON() ([]byte, error) {
	type alias ChunkFirst
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeChunkFirst, alias(m)})
}

// Chunk carries a chunk with index > 0.
type Chunk struct {
	UploadID string `json:"upload_id"`
	Index    int    `json:"index"`
	DataB64  string `json:"data_b64"`
	Size     int    `json:"size"`
}

func (Chunk) MessageType() Type { return TypeChunk }

func (m Chunk) Validate() error {
	if m.UploadID == "" {
		return errors.New("upload_id is required")
	}
	if m.Index < 1 {
		return fmt.Errorf("chunk index must be positive, got %d", m.Index)
	}
	return validateData(m.DataB64, m.Size)
}

func (m Chunk) MarshalJSON() ([]byte, error) {
	type alias Chunk
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeChunk, alias(m)})
}

// ChunkCommit asks the device to assemble and persist the received chunks.
type ChunkCommit struct {
	UploadID string       `json:"upload_id"`
	Target   model.Target `json:"target"`
}

func (ChunkCommit) MessageType() Type { return TypeChunkCommit }

func (m ChunkCommit) Validate() error {
	if m.UploadID == "" {
		return errors.New("upload_id is required")
	}
	return m.Target.Validate()
}

func (m ChunkCommit) MarshalJSON() ([]byte, error) {
	type alias ChunkCommit
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeChunkCommit, alias(m)})
}

// Command is a generic device command answered with a Result.
type Command struct {
	CommandID string            `json:"command_id"`
	Name      string            `json:"name"`
	Args      map[string]string `json:"args,omitempty"`
}

func (Command) MessageType() Type { return TypeCommand }

func (m Command) Validate() error {
	if m.CommandID == "" {
		return errors.New("command_id is required")
	}
	if m.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func (m Command) MarshalJSON() ([]byte, error) {
	type alias Command
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeCommand, alias(m)})
}

// Result is the terminal device answer to a transfer or a command.
type Result struct {
	UploadID  string `json:"upload_id,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

func (Result) MessageType() Type { return TypeResult }

func (m Result) Validate() error {
	if m.UploadID == "" && m.CommandID == "" {
		return errors.New("upload_id or command_id is required")
	}
	if m.UploadID != "" && m.CommandID != "" {
		return errors.New("upload_id and command_id are exclusive")
	}
	return nil
}

// CorrelationID returns the ID that links the result with its operation.
func (m Result) CorrelationID() string {
	if m.UploadID != "" {
		return m.UploadID
	}
	return m.CommandID
}

func (m Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeResult, alias(m)})
}

// Progress is the device reported completion of a transfer.
type Progress struct {
	UploadID string `json:"upload_id"`
	Percent  int    `json:"percent"`
}

func (Progress) MessageType() Type { return TypeProgress }

func (m Progress) Validate() error {
	if m.UploadID == "" {
		return errors.New("upload_id is required")
	}
	if m.Percent < 0 || m.Percent > 100 {
		return fmt.Errorf("percent must be in [0,100], got %d", m.Percent)
	}
	return nil
}

func (m Progress) MarshalJSON() ([]byte, error) {
	type alias Progress
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeProgress, alias(m)})
}

// Encode validates and serializes a message.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w: %w", m.MessageType(), model.ErrNotValid, err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s message: %w", m.MessageType(), err)
	}

	return data, nil
}

// Decode parses and validates a raw payload into its concrete message kind.
func Decode(data []byte) (Message, error) {
	var header struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("could not unmarshal message: %w: %w", model.ErrNotValid, err)
	}

	var (
		msg Message
		err error
	)
	switch header.Type {
	case TypeChunkFirst:
		msg, err = decodeAs[ChunkFirst](data)
	case TypeChunk:
		msg, err = decodeAs[Chunk](data)
	case TypeChunkCommit:
		msg, err = decodeAs[ChunkCommit](data)
	case TypeCommand:
		msg, err = decodeAs[Command](data)
	case TypeResult:
		msg, err = decodeAs[Result](data)
	case TypeProgress:
		msg, err = decodeAs[Progress](data)
	default:
		return nil, fmt.Errorf("unknown message type %q: %w", header.Type, model.ErrNotValid)
	}
	if err != nil {
		return nil, err
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w: %w", header.Type, model.ErrNotValid, err)
	}

	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("could not unmarshal %s message: %w: %w", m.MessageType(), model.ErrNotValid, err)
	}
	return m, nil
}

// EncodeData encodes raw chunk bytes into the text-safe representation.
func EncodeData(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

// DecodeData decodes chunk bytes from their text-safe representation.
func DecodeData(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func validateData(b64 string, size int) error {
	if size <= 0 {
		return fmt.Errorf("size must be positive, got %d", size)
	}
	if size > DefaultMaxChunkSize {
		return fmt.Errorf("size %d exceeds max chunk size %d", size, DefaultMaxChunkSize)
	}
	if base64.StdEncoding.DecodedLen(len(b64)) < size {
		return fmt.Errorf("data length does not match size %d", size)
	}
	raw, err := DecodeData(b64)
	if err != nil {
		return fmt.Errorf("invalid base64 data: %w", err)
	}
	if len(raw) != size {
		return fmt.Errorf("data length %d does not match size %d", len(raw), size)
	}
	return nil
}
