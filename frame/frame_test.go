package frame

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{"open", Open(), "o"},
		{"heartbeat", Heartbeat(), "h"},
		{"single message", Messages("hello"), `a["hello"]`},
		{"message order kept", Messages("b", "a", "c"), `a["b","a","c"]`},
		{"message with quotes", Messages(`say "hi"`), `a["say \"hi\""]`},
		{"html is not escaped", Messages("<b>&</b>"), `a["<b>&</b>"]`},
		{"unicode", Messages("żółw"), `a["żółw"]`},
		{"close", Close(3001, "bye"), `c[3001,"bye"]`},
		{"go away", GoAway(), `c[3000,"Go away!"]`},
		{"another connection", AnotherConnection(), `c[2010,"Another connection still open"]`},
		{"broken json", Close(CodeBrokenJSON, ReasonBrokenJSON), `c[1002,"Broken JSON encoding"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.frame)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncode_Errors(t *testing.T) {
	t.Run("empty message batch", func(t *testing.T) {
		got, err := Encode(Messages())
		assert.Nil(t, got)

		var perr *ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "empty message batch", perr.Reason)
	})

	t.Run("unknown kind", func(t *testing.T) {
		got, err := Encode(Frame{Kind: Kind(42)})
		assert.Nil(t, got)

		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr)
	})
}

func TestEncode_MessageRoundTrip(t *testing.T) {
	got, err := Encode(Messages("a", "b"))
	require.NoError(t, err)
	require.Equal(t, byte('a'), got[0])

	var decoded []string
	require.NoError(t, json.Unmarshal(got[1:], &decoded))
	assert.Equal(t, []string{"a", "b"}, decoded)
}

func TestEncode_InvalidUTF8(t *testing.T) {
	t.Run("message", func(t *testing.T) {
		got, err := Encode(Messages("ok", "bad \xff byte"))
		assert.Nil(t, got)

		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "message 1 is not valid UTF-8", perr.Reason)
	})

	t.Run("close reason", func(t *testing.T) {
		got, err := Encode(Close(3001, "\xc3\x28"))
		assert.Nil(t, got)

		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr)
	})
}

func TestValidateMessages(t *testing.T) {
	assert.NoError(t, ValidateMessages(nil))
	assert.NoError(t, ValidateMessages([]string{"a", "żółw", "\u0000"}))

	var perr *ProtocolError
	require.ErrorAs(t, ValidateMessages([]string{"\xff"}), &perr)
	assert.Equal(t, "message 0 is not valid UTF-8", perr.Reason)
}

func TestMessages_CopiesInput(t *testing.T) {
	in := []string{"x", "y"}
	f := Messages(in...)
	in[0] = "changed"

	assert.Equal(t, []string{"x", "y"}, f.Messages)
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name string
		in   []Frame
		want []Frame
	}{
		{
			name: "nil",
			in:   nil,
			want: []Frame{},
		},
		{
			name: "adjacent messages merged",
			in:   []Frame{Messages("1"), Messages("2", "3"), Messages("4")},
			want: []Frame{Messages("1", "2", "3", "4")},
		},
		{
			name: "open then messages",
			in:   []Frame{Open(), Messages("1"), Messages("2")},
			want: []Frame{Open(), Messages("1", "2")},
		},
		{
			name: "heartbeat splits runs",
			in:   []Frame{Messages("1"), Heartbeat(), Messages("2")},
			want: []Frame{Messages("1"), Heartbeat(), Messages("2")},
		},
		{
			name: "messages stay before close",
			in:   []Frame{Messages("1"), Messages("2"), GoAway()},
			want: []Frame{Messages("1", "2"), GoAway()},
		},
		{
			name: "empty batches dropped",
			in:   []Frame{Messages(), Open(), Messages()},
			want: []Frame{Open()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Coalesce(tt.in))
		})
	}
}

func TestCoalesce_DoesNotAliasInput(t *testing.T) {
	in := []Frame{Messages("1"), Messages("2")}
	out := Coalesce(in)
	out[0].Messages[0] = "changed"

	assert.Equal(t, []string{"1"}, in[0].Messages)
}

func TestDecodeMessages(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr error
		broken  bool
	}{
		{name: "array", in: `["a","b"]`, want: []string{"a", "b"}},
		{name: "empty array", in: `[]`, want: []string{}},
		{name: "single string", in: `"hello"`, want: []string{"hello"}},
		{name: "padded single string", in: " \"x\"\n", want: []string{"x"}},
		{name: "empty payload", in: ``, wantErr: ErrPayloadExpected},
		{name: "broken array", in: `["a"`, broken: true},
		{name: "numbers", in: `[1,2]`, broken: true},
		{name: "object", in: `{"a":1}`, broken: true},
		{name: "null", in: `null`, broken: true},
		{name: "bare word", in: `hello`, broken: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessages([]byte(tt.in))
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.broken:
				var perr *ProtocolError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, ReasonBrokenJSON, perr.Reason)
				assert.Nil(t, got)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "open", KindOpen.String())
	assert.Equal(t, "heartbeat", KindHeartbeat.String())
	assert.Equal(t, "message", KindMessage.String())
	assert.Equal(t, "close", KindClose.String())
	assert.Equal(t, "unknown", Kind(9).String())
}

func TestParse(t *testing.T) {
	frames := []Frame{
		Open(),
		Heartbeat(),
		Messages("a", `q"uote`, "żółw"),
		GoAway(),
		Close(4000, "custom, with comma"),
	}

	for _, f := range frames {
		t.Run(f.Kind.String(), func(t *testing.T) {
			b, err := Encode(f)
			require.NoError(t, err)

			got, err := Parse(append(b, '\n'))
			require.NoError(t, err)
			assert.Equal(t, f, got)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, in := range []string{"", "\n", "x", "ox", `a[]`, `a["x"`, `c[3000]`, `c["x","y"]`, `c[3000,1]`} {
		_, err := Parse([]byte(in))

		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr, "input %q", in)
	}
}
