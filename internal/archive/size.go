package archive

import (
	"math"
	"strconv"
)

var sizeUnits = []string{"B", "KB", "MB", "GB"}

// FormatSize renders bytes with base 1024 units, rounded to 2 decimals ("1.5 KB", "300 B")
func FormatSize(bytes StorageUsage) string {
	value := float64(max(bytes, 0))
	unit := 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}
	rounded := math.Round(value*100) / 100
	return strconv.FormatFloat(rounded, 'f', -1, 64) + " " + sizeUnits[unit]
}
