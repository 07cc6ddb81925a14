package dbus

import (
	"context"
	"errors"
	"os"
)

// Contexts passed to the value codec carry the file descriptors
// attached to the message being encoded or decoded, so that [File]
// values can translate between fds and wire indexes.

type readFilesContextKey struct{}

func withContextFiles(ctx context.Context, files []*os.File) context.Context {
	return context.WithValue(ctx, readFilesContextKey{}, files)
}

func contextFile(ctx context.Context, idx uint32) *os.File {
	fs, ok := ctx.Value(readFilesContextKey{}).([]*os.File)
	if !ok || int(idx) >= len(fs) {
		return nil
	}
	return fs[idx]
}

type putFilesContextKey struct{}

func withContextPutFiles(ctx context.Context, files *[]*os.File) context.Context {
	return context.WithValue(ctx, putFilesContextKey{}, files)
}

func contextPutFile(ctx context.Context, file *os.File) (uint32, error) {
	fsp, ok := ctx.Value(putFilesContextKey{}).(*[]*os.File)
	if !ok || fsp == nil {
		return 0, errors.New("cannot send file descriptor outside a message send")
	}
	*fsp = append(*fsp, file)
	return uint32(len(*fsp) - 1), nil
}

// senderContextKey carries the unique name of the peer whose
// message is currently being dispatched to a handler.
type senderContextKey struct{}

func withContextSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderContextKey{}, sender)
}

// ContextSender returns the unique bus name of the peer that sent
// the message being handled, if the context comes from a
// [Conn.Handle] callback.
func ContextSender(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(senderContextKey{}).(string)
	return s, ok
}
