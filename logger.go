package triecache

import "github.com/unkn0wn-root/triecache/trie"

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is the leveled logger the engine reports tier trouble through.
// Adapters for zap, logrus and slog live under log/. A nil Logger in
// Options disables logging.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

func pageFields(op string, id trie.Key, err error) Fields {
	return Fields{"op": op, "page": id.String(), "err": err}
}
