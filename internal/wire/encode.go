package wire

import "github.com/vmihailenco/msgpack/v5"

// EncodeRunStartedResponse encodes the reply to a run_started message
// (spec.md §4.5, §6). This is the only canonical->compact direction the
// ingest session needs on the runner channel; everything else the server
// sends to the runner channel is this one reply type.
func EncodeRunStartedResponse(resp *RunStartedResponse) ([]byte, error) {
	m := map[string]any{"t": int(MsgRunStartedResponse)}
	if resp.Err != nil {
		m["err"] = map[string]any{"code": resp.Err.Code, "message": resp.Err.Message}
		return msgpack.Marshal(m)
	}
	m["run_id"] = resp.RunID
	m["run_name"] = resp.RunName
	m["run_url"] = resp.RunURL
	if resp.GroupHash != "" {
		m["group_hash"] = resp.GroupHash
		m["group_url"] = resp.GroupURL
	}
	return msgpack.Marshal(m)
}
