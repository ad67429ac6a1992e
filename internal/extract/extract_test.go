package extract

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		queries map[string]string
		want    map[string]any
		wantErr bool
	}{
		{
			name:    "no queries yields nothing",
			output:  `{"foo": "bar"}`,
			queries: nil,
			want:    nil,
		},
		{
			name:    "simple field",
			output:  `{"signature": "5KtP3", "slot": 1200}`,
			queries: map[string]string{"sig": ".signature"},
			want:    map[string]any{"sig": "5KtP3"},
		},
		{
			name:   "multiple queries",
			output: `{"signature": "5KtP3", "slot": 1200}`,
			queries: map[string]string{
				"sig":  ".signature",
				"slot": ".slot",
			},
			want: map[string]any{"sig": "5KtP3", "slot": float64(1200)},
		},
		{
			name:    "array map",
			output:  `{"routes": [{"out": 10}, {"out": 12}]}`,
			queries: map[string]string{"outs": ".routes | map(.out)"},
			want:    map[string]any{"outs": []any{float64(10), float64(12)}},
		},
		{
			name:    "multiple results collapse into array",
			output:  `{"routes": [{"out": 10}, {"out": 12}]}`,
			queries: map[string]string{"outs": ".routes[].out"},
			want:    map[string]any{"outs": []any{float64(10), float64(12)}},
		},
		{
			name:    "missing field is nil",
			output:  `{"foo": "bar"}`,
			queries: map[string]string{"x": ".nope"},
			want:    map[string]any{"x": nil},
		},
		{
			name:    "empty expression returns whole document",
			output:  `{"foo": "bar"}`,
			queries: map[string]string{"all": ""},
			want:    map[string]any{"all": map[string]any{"foo": "bar"}},
		},
		{
			name:    "non-JSON output queried as string",
			output:  "transfer complete",
			queries: map[string]string{"text": "."},
			want:    map[string]any{"text": "transfer complete"},
		},
		{
			name:    "invalid expression",
			output:  `{"foo": "bar"}`,
			queries: map[string]string{"x": ".["},
			wantErr: true,
		},
		{
			name:    "runtime error",
			output:  `{"foo": "bar"}`,
			queries: map[string]string{"x": ".foo | keys"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(DefaultTimeout, DefaultMaxInputSize)
			got, err := e.Extract(tt.output, tt.queries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Extract() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestExtractErrorNamesVariable(t *testing.T) {
	e := New(DefaultTimeout, DefaultMaxInputSize)
	_, err := e.Extract(`{}`, map[string]string{"amount": ".["})
	if err == nil {
		t.Fatal("expected error for invalid expression")
	}
	if !strings.Contains(err.Error(), `extract "amount"`) {
		t.Errorf("error %q does not name the variable", err)
	}
}

func TestExtractInputSizeLimit(t *testing.T) {
	e := New(DefaultTimeout, 16)
	_, err := e.Extract(`{"foo": "a long enough payload"}`, map[string]string{"x": ".foo"})
	if err == nil {
		t.Fatal("expected error for oversized output")
	}
	if !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExtractTimeout(t *testing.T) {
	e := New(10*time.Millisecond, DefaultMaxInputSize)
	_, err := e.Extract(`1`, map[string]string{"x": "until(. > 1e18; . + 0.0001)"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		queries map[string]string
		wantErr bool
	}{
		{
			name:    "valid queries",
			queries: map[string]string{"sig": ".signature", "slot": ".slot"},
		},
		{
			name:    "empty expression allowed",
			queries: map[string]string{"all": ""},
		},
		{
			name:    "syntax error",
			queries: map[string]string{"x": ".["},
			wantErr: true,
		},
		{
			name:    "no queries",
			queries: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.queries)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
