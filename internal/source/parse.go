package source

import (
	"bufio"
	"bytes"
	"math"
	"strconv"
	"strings"
)

const bytesPerMiB = 1 << 20

func lines(out []byte) []string {
	var result []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		result = append(result, scanner.Text())
	}
	return result
}

func parseFloat(raw string) (float64, bool) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

func parseUint(raw string) (uint64, bool) {
	value, ok := parseFloat(raw)
	if !ok || value < 0 {
		return 0, false
	}
	return uint64(value), true
}

func float64Ptr(value float64) *float64 {
	v := value
	return &v
}

func uint64Ptr(value uint64) *uint64 {
	v := value
	return &v
}

func stringPtr(value string) *string {
	v := value
	return &v
}
