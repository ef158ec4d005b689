package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestParseArg(t *testing.T) {
	tests := []struct {
		arg             string
		isInt, isStream bool
		want            proto.Message
		wantErr         bool
	}{
		{"hello", false, false, wrapperspb.String("hello"), false},
		{"5", false, true, wrapperspb.String("5"), false},
		{"5", true, false, wrapperspb.Int64(5), false},
		{"5000000000", true, false, wrapperspb.Int64(5000000000), false},
		{"-7", true, true, wrapperspb.Int32(-7), false},
		{"2147483647", true, true, wrapperspb.Int32(2147483647), false},

		// Streaming integers do not fit in 32 bits.
		{"2147483648", true, true, nil, true},
		{"5000000000", true, true, nil, true},
		{"x", true, false, nil, true},
	}
	for _, tc := range tests {
		got, err := parseArg(tc.arg, tc.isInt, tc.isStream)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseArg(%q, %v, %v): got %v, want error", tc.arg, tc.isInt, tc.isStream, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseArg(%q, %v, %v): unexpected error: %v", tc.arg, tc.isInt, tc.isStream, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want, protocmp.Transform()); diff != "" {
			t.Errorf("parseArg(%q, %v, %v) (-got, +want):\n%s", tc.arg, tc.isInt, tc.isStream, diff)
		}
	}
}
