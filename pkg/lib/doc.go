// Package lib provides a Go SDK to run the printlink pipeline programmatically.
//
// It slices models, analyzes G-code, gates analysis patches behind an
// approval and uploads the result to printers, without shelling out to the
// printlink CLI binary. State is shared with the CLI when both use the same
// data directory.
//
// # Quick Start
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	sliced, _ := client.Slice(ctx, lib.SliceOpts{ModelPath: "benchy.stl", Wait: true})
//	analyzed, _ := client.Analyze(ctx, lib.AnalyzeOpts{SliceTaskID: sliced.ID, Wait: true})
//	client.Approve(ctx, analyzed.ID)
//	client.Send(ctx, analyzed.ID, lib.SendOpts{StartPrint: true})
//
// # Producers
//
// Tasks run external commands configured in [Config.Producers]. Task types
// without a command run a simulated producer that writes a placeholder
// artifact, useful for tests.
//
// # Devices
//
// [Config.BrokerURL] selects the websocket broker printers are reachable
// through. Without one, every [Client.Send] talks to an in process simulated
// printer that accepts everything.
//
// # Error Handling
//
// All methods return errors that can be inspected with [errors.Is]:
//
//   - [ErrNotFound]: The task does not exist.
//   - [ErrNotValid]: Invalid input or operation (e.g. sending a failed task).
//   - [ErrNotApproved]: The analysis patch has not been approved.
//   - [ErrAlreadyDecided]: The analysis patch already has a decision.
//
// # Thread Safety
//
// A [Client] is safe for concurrent use from multiple goroutines. Concurrent
// identical requests share a single task.
package lib
