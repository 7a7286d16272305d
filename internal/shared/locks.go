package shared

import "fmt"

// CMVPeriodLockKey builds the redis key serialising writes to one bar-week.
func CMVPeriodLockKey(barID int64, year, week int) string {
	return fmt.Sprintf("cmv:period:%d:%04d:%02d:lock", barID, year, week)
}
