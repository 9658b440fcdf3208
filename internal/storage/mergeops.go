package storage

// MetaFullMerge keeps the first non-empty value ever written to a key:
// "initialize once" fields (§4.2). If a value already exists, it wins over
// every operand; otherwise the first non-empty operand wins.
func MetaFullMerge(_ []byte, existing []byte, operands [][]byte) []byte {
	if len(existing) > 0 {
		return existing
	}

	for _, op := range operands {
		if len(op) > 0 {
			return op
		}
	}

	return existing
}

// MetaPartialMerge keeps the first operand, discarding the rest. Used when
// intermediate merge operands have already been partially combined upstream
// and only the oldest is authoritative.
func MetaPartialMerge(_ []byte, existing []byte, operands [][]byte) []byte {
	if len(operands) == 0 {
		return existing
	}

	return operands[0]
}
