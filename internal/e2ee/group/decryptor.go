package group

import (
	"context"

	"github.com/alexjbarnes/matrix-sync/internal/olm"
	"github.com/alexjbarnes/matrix-sync/internal/worker"
)

// SessionDecryptor decrypts one Megolm ciphertext with a loaded session.
type SessionDecryptor interface {
	DecryptSession(ctx context.Context, session *olm.InboundGroupSession, ciphertext string) ([]byte, uint32, error)
}

// InlineDecryptor decrypts on the calling goroutine.
type InlineDecryptor struct{}

func (InlineDecryptor) DecryptSession(_ context.Context, session *olm.InboundGroupSession, ciphertext string) ([]byte, uint32, error) {
	return session.Decrypt(ciphertext)
}

// WorkerDecryptor sends decryption to a worker pool. The session is
// exported at its first known index so the worker holds no state.
type WorkerDecryptor struct {
	pool *worker.Pool
}

// NewWorkerDecryptor creates a WorkerDecryptor on pool.
func NewWorkerDecryptor(pool *worker.Pool) *WorkerDecryptor {
	return &WorkerDecryptor{pool: pool}
}

func (d *WorkerDecryptor) DecryptSession(ctx context.Context, session *olm.InboundGroupSession, ciphertext string) ([]byte, uint32, error) {
	exported, err := session.Export(session.FirstKnownIndex())
	if err != nil {
		return nil, 0, err
	}

	var reply worker.MegolmDecryptReply

	req := worker.MegolmDecryptRequest{SessionKey: exported, Ciphertext: ciphertext}
	if err := d.pool.Call(ctx, worker.TypeMegolmDecrypt, req, &reply); err != nil {
		return nil, 0, err
	}

	return reply.Plaintext, reply.MessageIndex, nil
}
