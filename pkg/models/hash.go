package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// GenesisHash is the defined previous-hash of the first receipt in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CanonicalizeJSON returns a canonical form with sorted object keys and
// numeric tokens preserved as written. Receipt hashing depends on this form
// being stable across marshal round-trips.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// ReceiptHash computes the content hash over every receipt field except the
// stored hash itself. Deterministic for identical field values.
func ReceiptHash(r Receipt) (string, error) {
	r.ReceiptHash = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	canonical, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// SealReceipt fills in the receipt's content hash and chain link.
func SealReceipt(r Receipt, previousHash string) (Receipt, error) {
	if strings.TrimSpace(previousHash) == "" {
		previousHash = GenesisHash
	}
	r.PreviousHash = previousHash
	h, err := ReceiptHash(r)
	if err != nil {
		return Receipt{}, err
	}
	r.ReceiptHash = h
	return r, nil
}

// VerifyReceipt recomputes the content hash and compares it to the stored one.
func VerifyReceipt(r Receipt) (bool, error) {
	h, err := ReceiptHash(r)
	if err != nil {
		return false, err
	}
	return h == r.ReceiptHash, nil
}

// VerifyLink checks that r's previous-hash equals the predecessor's stored hash.
func VerifyLink(r Receipt, previous Receipt) bool {
	return r.PreviousHash == previous.ReceiptHash
}
