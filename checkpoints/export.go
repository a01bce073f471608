package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// The binary format wraps the checkpoint in a protobuf Struct. Readers in
// other languages can decode it with a stock protobuf runtime, no schema
// exchange needed.

// saveBinary saves checkpoint in protobuf binary format
func (cs *CheckpointSaver) saveBinary(checkpoint *Checkpoint, path string) error {
	payload, err := checkpointToStruct(checkpoint)
	if err != nil {
		return err
	}

	raw, err := proto.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %v", err)
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}

	return nil
}

// loadBinary loads checkpoint from protobuf binary format
func (cs *CheckpointSaver) loadBinary(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %v", err)
	}

	payload := &structpb.Struct{}
	if err := proto.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %v", err)
	}

	return structToCheckpoint(payload)
}

// checkpointToStruct converts through JSON so the protobuf payload mirrors
// the JSON checkpoint field for field.
func checkpointToStruct(checkpoint *Checkpoint) (*structpb.Struct, error) {
	encoded, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint map: %v", err)
	}

	payload, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to build checkpoint struct: %v", err)
	}
	return payload, nil
}

func structToCheckpoint(payload *structpb.Struct) (*Checkpoint, error) {
	encoded, err := json.Marshal(payload.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint map: %v", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(encoded, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}
