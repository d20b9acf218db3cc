package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// sessionIDBytes はセッションIDの乱数バイト数。hexエンコード後は64文字になる。
const sessionIDBytes = 32

// generateID は推測不可能なセッションIDを生成する。
func generateID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// signer はセッションIDにHMAC-SHA256署名を付与・検証する。
// Cookie値の形式は "<id>.<base64url(署名)>"。
type signer struct {
	secret []byte
}

func (s signer) sign(id string) string {
	return id + "." + s.mac(id)
}

// verify は署名付きCookie値を検証し、セッションIDを返す。
// 形式不正・署名不一致の場合はokがfalseになる。
func (s signer) verify(value string) (id string, ok bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 || i == len(value)-1 {
		return "", false
	}
	id, sig := value[:i], value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(s.mac(id))) {
		return "", false
	}
	return id, true
}

func (s signer) mac(id string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
