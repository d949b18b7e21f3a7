package imap

import (
	"bytes"
	"encoding/base64"
)

// DecodeSASLPlain 解码 SASL PLAIN 初始响应：
// base64(authzid \0 authcid \0 passwd)。
// 字节数或分段数不合法时返回 ErrAuthBadArgument。
func DecodeSASLPlain(token string) (username, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", ErrAuthBadArgument
	}

	parts := bytes.Split(raw, []byte{0})
	if len(parts) != 3 {
		return "", "", ErrAuthBadArgument
	}

	username = string(parts[1])
	password = string(parts[2])
	if username == "" || password == "" {
		return "", "", ErrAuthBadArgument
	}
	return username, password, nil
}
