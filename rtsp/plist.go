package rtsp

import (
	"encoding/base64"
	"fmt"

	"howett.net/plist"

	"github.com/airtunesgo/raop/raoperr"
)

func encodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// pair-setup-pin bodies are binary plists (spec §4.6 "Pin-pairing").

func marshalPairSetupPinStart(identifier string) ([]byte, error) {
	return plist.Marshal(map[string]interface{}{
		"user":   identifier,
		"method": "pin",
	}, plist.BinaryFormat)
}

func parsePairSetupPinChallenge(body []byte) (serverPub, salt []byte, err error) {
	var out struct {
		PK   []byte `plist:"pk"`
		Salt []byte `plist:"salt"`
	}
	if _, err := plist.Unmarshal(body, &out); err != nil {
		return nil, nil, fmt.Errorf("rtsp: parsing pair-setup-pin challenge: %w", err)
	}
	if len(out.PK) == 0 || len(out.Salt) == 0 {
		return nil, nil, fmt.Errorf("rtsp: pair-setup-pin challenge missing pk/salt: %w", raoperr.ErrPairingFailed)
	}
	return out.PK, out.Salt, nil
}

func marshalPairSetupPinProof(clientPub, proof []byte) ([]byte, error) {
	return plist.Marshal(map[string]interface{}{
		"pk":    clientPub,
		"proof": proof,
	}, plist.BinaryFormat)
}

func parsePairSetupPinProofResponse(body []byte) (serverProof []byte, err error) {
	var out struct {
		Proof []byte `plist:"proof"`
	}
	if _, err := plist.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("rtsp: parsing pair-setup-pin proof response: %w", err)
	}
	return out.Proof, nil
}

func marshalPairSetupPinFinal(epk, authTag []byte) ([]byte, error) {
	return plist.Marshal(map[string]interface{}{
		"epk":     epk,
		"authTag": authTag,
	}, plist.BinaryFormat)
}
