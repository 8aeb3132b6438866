package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how many leading bytes are inspected when the uploader sent no
// Content-Type.
const sniffLen = 3072

// checksumHeader carries an optional base64 SHA-256 of the body, as S3
// accepts it.
const checksumHeader = "X-Amz-Checksum-Sha256"

// UploadHandler accepts PUT requests carrying a capability minted by
// SignUpload. It is the local stand-in for a managed store's signed-URL
// endpoint and needs no application authentication.
func (b *LocalBackend) UploadHandler(logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.Header().Set("Allow", http.MethodPut)
			http.Error(w, "MethodNotAllowed", http.StatusMethodNotAllowed)
			return
		}

		loc, err := b.signer.Verify(r.URL.Query())
		if err != nil {
			code := "SignatureDoesNotMatch"
			if errors.Is(err, ErrCapabilityExpired) {
				code = "ExpiredToken"
			}
			logger.Warn("rejected upload capability",
				slog.String("code", code),
				slog.String("remote_addr", r.RemoteAddr),
			)
			http.Error(w, code, http.StatusForbidden)
			return
		}

		want := integrity{size: r.ContentLength, sizeKnown: r.ContentLength >= 0}
		if digest := r.Header.Get(checksumHeader); digest != "" {
			sum, err := base64.StdEncoding.DecodeString(digest)
			if err != nil || len(sum) != sha256.Size {
				http.Error(w, "InvalidDigest", http.StatusBadRequest)
				return
			}
			want.sha256 = sum
		}

		body := io.Reader(r.Body)
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			head := make([]byte, sniffLen)
			n, readErr := io.ReadFull(r.Body, head)
			if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
				logger.Error("failed to read upload body",
					slog.String("location", loc.String()),
					slog.String("error", readErr.Error()),
				)
				http.Error(w, "InternalError", http.StatusInternalServerError)
				return
			}
			head = head[:n]
			contentType = mimetype.Detect(head).String()
			body = io.MultiReader(bytes.NewReader(head), r.Body)
		}

		size, err := b.write(loc, contentType, body, want)
		if errors.Is(err, errIncompleteBody) || errors.Is(err, errBadDigest) {
			code := "IncompleteBody"
			if errors.Is(err, errBadDigest) {
				code = "BadDigest"
			}
			logger.Warn("rejected upload body",
				slog.String("code", code),
				slog.String("location", loc.String()),
				slog.String("error", err.Error()),
			)
			http.Error(w, code, http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.Error("failed to store upload",
				slog.String("location", loc.String()),
				slog.String("error", err.Error()),
			)
			http.Error(w, "InternalError", http.StatusInternalServerError)
			return
		}

		logger.Info("upload stored",
			slog.String("location", loc.String()),
			slog.Int64("size", size),
			slog.String("content_type", contentType),
		)
		w.WriteHeader(http.StatusOK)
	})
}
