package grpcapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts a JSON-serialisable value into a Struct, keeping the
// field names of its json tags.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into dst through its json tags.
func fromStruct(s *structpb.Struct, dst any) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	v, ok := s.GetFields()[name]
	if !ok {
		return ""
	}
	if sv, ok := v.GetKind().(*structpb.Value_StringValue); ok {
		return strings.TrimSpace(sv.StringValue)
	}
	return ""
}

func boolField(s *structpb.Struct, name string) (value bool, ok bool) {
	if s == nil {
		return false, false
	}
	v, present := s.GetFields()[name]
	if !present {
		return false, false
	}
	bv, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, false
	}
	return bv.BoolValue, true
}

func emptyStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}
