package crdt

import "encoding/json"

func unmarshalVector(b []byte, out *VectorClock) error {
	return json.Unmarshal(b, out)
}

func marshalOps(ops []opEntry) ([]byte, error) {
	return json.Marshal(ops)
}
