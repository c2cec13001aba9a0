package demprofile

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteCSV writes p to w as CSV with a distance,elevation header. Missing
// elevations are written as NaN.
func WriteCSV(w io.Writer, p Profile) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"distance", "elevation"}); err != nil {
		return err
	}
	for _, sample := range p {
		if err := csvWriter.Write([]string{
			strconv.FormatFloat(sample.Distance, 'f', -1, 64),
			strconv.FormatFloat(sample.Elevation, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
