package crypto

// EncryptMap encrypts every value of a plaintext secret bag.
func EncryptMap(secret string, values map[string]string) (map[string][]byte, error) {
	if values == nil {
		return nil, nil
	}
	out := make(map[string][]byte, len(values))
	for name, value := range values {
		enc, err := EncryptString(secret, value)
		if err != nil {
			return nil, err
		}
		out[name] = enc
	}
	return out, nil
}

// DecryptMap decrypts every value of an encrypted secret bag.
func DecryptMap(secret string, values map[string][]byte) (map[string]string, error) {
	if values == nil {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for name, payload := range values {
		plain, err := DecryptToString(secret, payload)
		if err != nil {
			return nil, err
		}
		out[name] = plain
	}
	return out, nil
}
