package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// PayloadHash computes the 16-hex-char idempotency digest over the canonical
// job payload: order id, normalized phone, normalized parts list, plate size,
// and mode. Part order does not affect the hash.
func PayloadHash(order Order, mode OptiMode) string {
	lines := make([]string, 0, len(order.Parts))
	for _, p := range order.Parts {
		lines = append(lines, canonicalPart(p))
	}
	sort.Strings(lines)

	var b strings.Builder
	fmt.Fprintf(&b, "order=%s\n", order.OrderID)
	fmt.Fprintf(&b, "phone=%s\n", NormalizePhone(order.CustomerPhone))
	fmt.Fprintf(&b, "plate=%.1fx%.1f\n", order.PlateWidthMM, order.PlateHeightMM)
	fmt.Fprintf(&b, "mode=%s\n", mode)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

func canonicalPart(p Part) string {
	return fmt.Sprintf("part=%s|%.1f|%.1f|%d|%d|%s|%s|%s|%s",
		p.Group, p.LengthMM, p.WidthMM, p.Quantity, p.GrainDigit(),
		edgeToken(p.U1), edgeToken(p.U2), edgeToken(p.K1), edgeToken(p.K2))
}

func edgeToken(e EdgeFlag) string {
	if e.Code != "" {
		return e.Code
	}
	if e.Set {
		return "1"
	}
	return "-"
}

// NormalizePhone strips everything but digits and squeezes the number into the
// national form used as the CRM lookup key: a leading country prefix "90" or
// trunk "0" is removed.
func NormalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	s := digits.String()
	if len(s) > 10 && strings.HasPrefix(s, "90") {
		s = s[2:]
	}
	if len(s) == 11 && strings.HasPrefix(s, "0") {
		s = s[1:]
	}
	return s
}
