package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/midgarde/keygate/pkg/cryptox"
	"github.com/midgarde/keygate/pkg/jwtx"
)

// InitSigner builds the token signer from configuration.
//
// With KEYGATE_SIGNING_KEY_FILE set, the PKCS8 PEM key at that path is
// loaded, so tokens survive restarts. Without it an ephemeral key is
// generated on startup and every previously issued token becomes invalid.
//
// Supported algorithms: EdDSA, ES256.
func InitSigner(cfg Config, logger *slog.Logger) (jwtx.Signer, error) {
	var pemKey []byte

	if cfg.SigningKeyFile != "" {
		var err error
		pemKey, err = os.ReadFile(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		logger.Info("signing key loaded", "path", cfg.SigningKeyFile, "algorithm", cfg.Algorithm)
	} else {
		var err error
		switch cfg.Algorithm {
		case jwtx.AlgorithmES256:
			pemKey, err = cryptox.GenerateECDSAP256Key()
		default:
			pemKey, err = cryptox.GenerateEd25519Key()
		}
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn("ephemeral signing key generated, previously issued tokens are now invalid",
			"algorithm", cfg.Algorithm,
		)
	}

	kid := jwtx.NewJTI()

	switch cfg.Algorithm {
	case jwtx.AlgorithmES256:
		return jwtx.NewSignerES256(kid, pemKey)
	case jwtx.AlgorithmEdDSA, "":
		return jwtx.NewSignerEdDSA(kid, pemKey)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
}
