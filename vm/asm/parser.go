package asm

import (
	"fmt"
	"strconv"
	"strings"
)

type operandKind uint8

const (
	opReg operandKind = iota
	opImm
	opMem
	opIdent
)

type operand struct {
	kind operandKind
	reg  uint8
	imm  int64
	off  int16
	text string
}

// statement is one parsed source line before label resolution.
type statement struct {
	line     int
	pc       int
	mnemonic string
	operands []operand
}

func stripComment(line string) string {
	for _, marker := range []string{"//", "#"} {
		if i := strings.Index(line, marker); i >= 0 {
			line = line[:i]
		}
	}
	return strings.TrimSpace(line)
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return false
		}
	}
	return true
}

// splitLabel peels a leading "name:" off line.
func splitLabel(line string) (label, rest string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i <= 0 || !isIdent(strings.TrimSpace(line[:i])) {
		return "", line, false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

func splitOperands(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

func parseRegister(s string) (uint8, bool, error) {
	if len(s) < 2 || (s[0] != 'r' && s[0] != 'R') {
		return 0, false, nil
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false, nil
		}
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n > 15 {
		return 0, true, fmt.Errorf("invalid register %q", s)
	}
	return uint8(n), true, nil
}

// parseInteger accepts decimal or 0x hex with an optional sign. Values up to
// 2^64-1 are accepted and returned as their two's complement bits.
func parseInteger(s string) (int64, error) {
	neg := false
	body := s
	switch {
	case strings.HasPrefix(body, "-"):
		neg = true
		body = body[1:]
	case strings.HasPrefix(body, "+"):
		body = body[1:]
	}
	if body == "" || body[0] < '0' || body[0] > '9' {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	base := 10
	if strings.HasPrefix(body, "0x") || strings.HasPrefix(body, "0X") {
		base = 16
		body = body[2:]
	}
	u, err := strconv.ParseUint(body, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if neg {
		if u > 1<<63 {
			return 0, fmt.Errorf("number %q out of range", s)
		}
		return -int64(u), nil
	}
	return int64(u), nil
}

func parseMemory(s string) (operand, error) {
	inner := strings.TrimSpace(s[1 : len(s)-1])
	regEnd := len(inner)
	if i := strings.IndexAny(inner, "+-"); i >= 0 {
		regEnd = i
	}
	reg, isReg, err := parseRegister(strings.TrimSpace(inner[:regEnd]))
	if err != nil {
		return operand{}, err
	}
	if !isReg {
		return operand{}, fmt.Errorf("invalid memory operand %q", s)
	}
	var off int64
	if regEnd < len(inner) {
		off, err = parseInteger(strings.ReplaceAll(inner[regEnd:], " ", ""))
		if err != nil {
			return operand{}, err
		}
		if off < -32768 || off > 32767 {
			return operand{}, fmt.Errorf("offset %d out of range", off)
		}
	}
	return operand{kind: opMem, reg: reg, off: int16(off), text: s}, nil
}

func parseOperand(s string) (operand, error) {
	switch {
	case s == "":
		return operand{}, fmt.Errorf("empty operand")
	case strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"):
		return parseMemory(s)
	}
	if reg, isReg, err := parseRegister(s); isReg || err != nil {
		return operand{kind: opReg, reg: reg, text: s}, err
	}
	if isIdent(s) {
		return operand{kind: opIdent, text: s}, nil
	}
	v, err := parseInteger(s)
	if err != nil {
		return operand{}, err
	}
	return operand{kind: opImm, imm: v, text: s}, nil
}

func parseStatement(text string) (string, []operand, error) {
	mnemonic, rest := text, ""
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		mnemonic, rest = text[:i], text[i+1:]
	}
	var ops []operand
	for _, raw := range splitOperands(rest) {
		op, err := parseOperand(raw)
		if err != nil {
			return "", nil, err
		}
		ops = append(ops, op)
	}
	return strings.ToLower(mnemonic), ops, nil
}
