package entropy

import (
	"testing"
)

func TestMQRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		bits     []int
		contexts []int
	}{
		{"single_zero", []int{0}, []int{0}},
		{"single_one", []int{1}, []int{0}},
		{"alternating", []int{0, 1, 0, 1, 0, 1, 0, 1}, []int{0, 0, 0, 0, 0, 0, 0, 0}},
		{"all_zeros", []int{0, 0, 0, 0, 0, 0, 0, 0}, []int{0, 0, 0, 0, 0, 0, 0, 0}},
		{"all_ones", []int{1, 1, 1, 1, 1, 1, 1, 1}, []int{0, 0, 0, 0, 0, 0, 0, 0}},
		{"mixed_contexts", []int{0, 1, 0, 1}, []int{0, 1, 2, 3}},
		{"uniform_context", []int{0, 1, 0, 1}, []int{ctxUni, ctxUni, ctxUni, ctxUni}},
		{"run_length", []int{0, 0, 1, 1}, []int{ctxRL, ctxRL, ctxRL, ctxUni}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			enc := NewMQEncoder()
			for i, bit := range tt.bits {
				enc.Encode(tt.contexts[i], bit)
			}
			encoded := enc.Flush()

			var dec MQDecoder
			dec.Init(encoded)
			for i, want := range tt.bits {
				if got := dec.Decode(tt.contexts[i]); got != want {
					t.Errorf("bit %d = %d; want %d", i, got, want)
				}
			}
		})
	}
}

func TestMQLongSequence(t *testing.T) {
	bits := make([]int, 5000)
	contexts := make([]int, len(bits))
	for i := range bits {
		// skewed runs so the states walk deep into the table
		if i%17 == 0 || i%5 == 3 {
			bits[i] = 1
		}
		contexts[i] = i % numCtxts
	}

	enc := NewMQEncoder()
	for i, bit := range bits {
		enc.Encode(contexts[i], bit)
	}
	encoded := enc.Flush()
	if len(encoded) == 0 {
		t.Fatal("empty codeword")
	}

	var dec MQDecoder
	dec.Init(encoded)
	for i, want := range bits {
		if got := dec.Decode(contexts[i]); got != want {
			t.Fatalf("bit %d = %d; want %d", i, got, want)
		}
	}
}

func TestMQStateTable(t *testing.T) {
	// state 0 switches the MPS on an LPS, state 1 does not
	if mqNLPS[0] != 3 || mqNLPS[1] != 2 {
		t.Errorf("state 0 LPS transitions = %d, %d; want 3, 2", mqNLPS[0], mqNLPS[1])
	}
	if mqNLPS[2] != 12 || mqNMPS[2] != 4 {
		t.Errorf("state 1 transitions = %d, %d; want 12, 4", mqNLPS[2], mqNMPS[2])
	}
	if mqQe[92] != 0x5601 || mqNMPS[92] != 92 || mqNLPS[93] != 93 {
		t.Error("uniform state is not self-looping")
	}
}

func TestMQDecodePastEnd(t *testing.T) {
	var dec MQDecoder
	dec.Init(nil)
	for i := 0; i < 1000; i++ {
		dec.Decode(i % numCtxts)
	}
	dec.Init([]byte{0xFF, 0x90})
	for i := 0; i < 100; i++ {
		dec.Decode(ctxUni)
	}
}
