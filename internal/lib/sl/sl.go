// Package sl содержит вспомогательные функции для работы с логгером slog.
package sl

import (
	"io"
	"log/slog"
	"os"
)

// Err возвращает slog.Attr с ключом "error" и текстом ошибки.
//
// Пример:
//
//	log.Error("failed to finalize payment", sl.Err(err))
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// Reference возвращает атрибут со ссылкой платежа.
func Reference(ref string) slog.Attr {
	return slog.String("reference", ref)
}

// Setup создаёт текстовый логгер в stdout: уровень debug для env "local", info для остальных.
func Setup(env string) *slog.Logger {
	return New(os.Stdout, env)
}

// New как Setup, но пишет в w.
func New(w io.Writer, env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "local" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
