package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipe は読み込み側と書き込み側を分けたテスト用ReadWriter
type pipe struct {
	io.Reader
	io.Writer
}

func newCodec(in io.Reader) (*Codec, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return NewCodec(pipe{Reader: in, Writer: out}), out
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestSendCommand_NoDelimiter(t *testing.T) {
	c, out := newCodec(strings.NewReader(""))

	require.NoError(t, c.SendCommand(CmdShutter))
	assert.Equal(t, "shutter", out.String())
}

func TestReadLine(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    []string
		wantEOF bool
	}{
		{"改行区切り", "0 ok\n1 ng\n", []string{"0 ok", "1 ng"}, true},
		{"終端で切れた行", "0 partial", []string{"0 partial"}, true},
		{"空行", "\n", []string{""}, true},
		{"空ストリーム", "", nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newCodec(strings.NewReader(tc.input))
			for _, want := range tc.want {
				got, err := c.ReadLine()
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			_, err := c.ReadLine()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestReadLine_DoesNotOverReadPayload(t *testing.T) {
	body := payload(64)
	c, _ := newCodec(io.MultiReader(strings.NewReader("0 64\n"), bytes.NewReader(body)))

	line, err := c.ReadLine()
	require.NoError(t, err)
	n, err := ParseLength(line)
	require.NoError(t, err)

	got, err := c.ReadPayload(n, nil)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadExact_ChunkingInvariance(t *testing.T) {
	body := payload(50_000)

	whole, _ := newCodec(bytes.NewReader(body))
	single, err := whole.ReadPayload(int64(len(body)), nil)
	require.NoError(t, err)

	var calls int
	var last int64
	chunked, _ := newCodec(iotest.OneByteReader(bytes.NewReader(body)))
	got, err := chunked.ReadPayload(int64(len(body)), func(done, total int64) {
		calls++
		assert.GreaterOrEqual(t, done, last)
		assert.Equal(t, int64(len(body)), total)
		last = done
	})
	require.NoError(t, err)

	assert.Equal(t, single, got)
	assert.Len(t, got, len(body))
	assert.Equal(t, len(body), calls)
	assert.Equal(t, int64(len(body)), last)
}

func TestReadExact_StopsAtDeclaredLength(t *testing.T) {
	c, _ := newCodec(strings.NewReader("abcdefgh0 next\n"))

	var buf bytes.Buffer
	n, err := c.ReadExact(&buf, 8, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, "abcdefgh", buf.String())

	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "0 next", line)
}

func TestReadExact_Shortfall(t *testing.T) {
	c, _ := newCodec(iotest.HalfReader(bytes.NewReader(payload(300))))

	var buf bytes.Buffer
	n, err := c.ReadExact(&buf, 1024, nil)

	assert.Equal(t, int64(300), n)
	assert.Equal(t, 300, buf.Len())
	assert.ErrorIs(t, err, ErrTransferShortfall)
}

func TestReadExact_ReadError(t *testing.T) {
	boom := errors.New("boom")
	c, _ := newCodec(iotest.ErrReader(boom))

	_, err := c.ReadExact(io.Discard, 10, nil)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, boom)
}

func TestReadExact_ZeroLength(t *testing.T) {
	c, _ := newCodec(strings.NewReader("unread"))

	n, err := c.ReadExact(io.Discard, 0, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParseLength(t *testing.T) {
	for _, n := range []int64{0, 1, 1024, 2048000, math.MaxInt32} {
		got, err := ParseLength("0 " + strconv.FormatInt(n, 10))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}

	for _, bad := range []string{"0", "", "0 abc", "0 -5", "0 2147483648", "0 1.5"} {
		_, err := ParseLength(bad)
		assert.ErrorIs(t, err, ErrParse, bad)
	}
}

func TestExchange_AnnotatesCommand(t *testing.T) {
	c, out := newCodec(iotest.ErrReader(errors.New("reset")))

	_, err := c.Exchange(CmdConnect)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CmdConnect, perr.Command)
	assert.Equal(t, "connect", out.String())
}

func TestFieldValueAndSuccess(t *testing.T) {
	assert.Equal(t, "K-70", FieldValue("0 K-70"))
	assert.Equal(t, "", FieldValue("0"))
	assert.True(t, IsSuccess("0 ok"))
	assert.False(t, IsSuccess("1 ng"))
	assert.False(t, IsSuccess(""))
	assert.Equal(t, Command("get_bufmask"), GetField("bufmask"))
}
