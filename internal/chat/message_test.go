package chat

import (
	"bytes"
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

// chunkWriter accepts at most limit bytes per call and can inject errors.
type chunkWriter struct {
	buf    bytes.Buffer
	limit  int
	errs   []error
	zeroOK bool
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return 0, err
	}
	if w.zeroOK {
		return 0, nil
	}
	n := len(p)
	if w.limit > 0 && n > w.limit {
		n = w.limit
	}
	w.buf.Write(p[:n])
	return n, nil
}

func TestWriteFull(t *testing.T) {
	tests := []struct {
		name    string
		w       *chunkWriter
		want    string
		wantErr error
	}{
		{
			name: "single write",
			w:    &chunkWriter{},
			want: "hello world",
		},
		{
			name: "short writes are retried",
			w:    &chunkWriter{limit: 3},
			want: "hello world",
		},
		{
			name: "interrupted write is retried",
			w:    &chunkWriter{limit: 4, errs: []error{syscall.EINTR, syscall.EINTR}},
			want: "hello world",
		},
		{
			name:    "hard error stops",
			w:       &chunkWriter{errs: []error{syscall.EPIPE}},
			wantErr: syscall.EPIPE,
		},
		{
			name:    "zero progress is an error",
			w:       &chunkWriter{zeroOK: true},
			wantErr: io.ErrShortWrite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WriteFull(tt.w, []byte("hello world"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, tt.w.buf.String())
		})
	}
}

func TestClientID(t *testing.T) {
	id := newClientID(7, 3)
	assert.Equal(t, 7, id.slot())
	assert.Equal(t, uint32(3), id.gen())
	assert.Equal(t, "7.3", id.String())

	assert.NotEqual(t, newClientID(7, 4), id)
	assert.Equal(t, "0.0", newClientID(0, 0).String())
}

func TestSendError(t *testing.T) {
	cause := errors.New("connection reset")
	err := &SendError{Target: newClientID(1, 0), MessageID: "m-1", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "1.0")
	assert.Contains(t, err.Error(), "connection reset")
}
