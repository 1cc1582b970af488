package ledger

import "time"

func parseTimeOrZero(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	return time.Parse(rfc3339, s)
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(rfc3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
