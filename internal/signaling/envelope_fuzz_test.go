package signaling

import (
	"errors"
	"testing"
)

func FuzzParseEnvelope(f *testing.F) {
	f.Add([]byte(`{"type":"offer","recipientId":"b","offer":{"sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"your_id","id":"x"}`))
	f.Add([]byte(`{"type":1}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := ParseEnvelope(data)
		if err != nil {
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("unexpected error type: %v", err)
			}
			return
		}

		env.SenderID = "server-stamped"
		out, err := env.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON: %v", err)
		}
		again, err := ParseEnvelope(out)
		if err != nil {
			t.Fatalf("re-parse of %q: %v", out, err)
		}
		if again.Type != env.Type || again.RecipientID != env.RecipientID || again.SenderID != "server-stamped" {
			t.Fatalf("round trip changed named fields: before=%+v after=%+v", env, again)
		}
	})
}
