package snapshot

import "fmt"

func errShort(section string) error {
	return fmt.Errorf("snapshot: truncated %s section", section)
}

func errCRC(section string) error {
	return fmt.Errorf("snapshot: crc mismatch in %s section", section)
}
