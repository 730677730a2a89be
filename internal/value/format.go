package value

import "strconv"

func floatString(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
