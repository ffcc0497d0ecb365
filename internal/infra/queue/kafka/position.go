package kafka

import "fmt"

// Position identifies a message by partition and offset. Its Identifier is
// used as both the message ID and the receipt.
type Position struct {
	Partition int32
	Offset    int64
}

// Identifier returns the position in the format "partition:offset".
func (p Position) Identifier() string { return fmt.Sprintf("%d:%d", p.Partition, p.Offset) }

// Validate checks that partition and offset are non-negative.
func (p Position) Validate() error {
	if p.Partition < 0 {
		return fmt.Errorf("invalid partition: %d", p.Partition)
	}
	if p.Offset < 0 {
		return fmt.Errorf("invalid offset: %d", p.Offset)
	}
	return nil
}

// ParsePosition parses an Identifier.
func ParsePosition(identifier string) (Position, error) {
	var p Position
	if _, err := fmt.Sscanf(identifier, "%d:%d", &p.Partition, &p.Offset); err != nil {
		return Position{}, fmt.Errorf("invalid position identifier %q: %w", identifier, err)
	}
	if err := p.Validate(); err != nil {
		return Position{}, err
	}
	return p, nil
}
