package transport

import "log/slog"

// transportLogger tags records with the link kind so connector logs from the
// three transports can be told apart.
func transportLogger(kind string, attrs ...any) *slog.Logger {
	return slog.Default().With(append([]any{"component", "transport", "link", kind}, attrs...)...)
}
