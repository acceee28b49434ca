// Package calendar holds the pure date-grid math behind the calendar
// widgets. Inputs are assumed pre-validated (month 1..12, year 1..9999);
// validation belongs at the boundary that parses them.
package calendar

import "time"

// Clock supplies the current time so IsToday stays testable.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// GridCell is one cell of the rendered month grid. Day numbers outside the
// current month carry the adjacent month's day with IsCurrentMonth=false.
type GridCell struct {
	Day            int  `json:"day"`
	IsCurrentMonth bool `json:"is_current_month"`
}

const (
	GridRows = 6
	GridCols = 7
)

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

var monthDays = [13]int{0, 31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func DaysInMonth(year, month int) int {
	if month == 2 && isLeapYear(year) {
		return 29
	}
	return monthDays[month]
}

// FirstWeekdayOffset returns the weekday of day 1 in [0,6], 0 = Sunday.
func FirstWeekdayOffset(year, month int) int {
	return int(time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).Weekday())
}

// BuildGrid lays the month out on a GridRows x GridCols matrix. Leading
// cells take day numbers from the previous month, trailing cells from the
// next month; both are flagged IsCurrentMonth=false. The grid never grows:
// a month needs at most 6 rows, so overflow cannot happen with the
// defaults, but a caller-shrunk row count silently truncates into
// next-month cells.
func BuildGrid(year, month int) [][]GridCell {
	return BuildGridSized(year, month, GridRows, GridCols)
}

func BuildGridSized(year, month, rows, cols int) [][]GridCell {
	offset := FirstWeekdayOffset(year, month)
	days := DaysInMonth(year, month)
	prevYear, prevMonth := PreviousMonth(year, month)
	prevDays := DaysInMonth(prevYear, prevMonth)

	grid := make([][]GridCell, rows)
	cell := 0
	for r := 0; r < rows; r++ {
		grid[r] = make([]GridCell, cols)
		for c := 0; c < cols; c++ {
			switch {
			case cell < offset:
				grid[r][c] = GridCell{Day: prevDays - offset + cell + 1}
			case cell < offset+days:
				grid[r][c] = GridCell{Day: cell - offset + 1, IsCurrentMonth: true}
			default:
				grid[r][c] = GridCell{Day: cell - offset - days + 1}
			}
			cell++
		}
	}
	return grid
}

// NextMonth wraps December into January of the following year.
func NextMonth(year, month int) (int, int) {
	if month == 12 {
		return year + 1, 1
	}
	return year, month + 1
}

// PreviousMonth wraps January into December of the preceding year.
func PreviousMonth(year, month int) (int, int) {
	if month == 1 {
		return year - 1, 12
	}
	return year, month - 1
}

// IsToday compares at day granularity against clk's current date.
func IsToday(clk Clock, year, month, day int) bool {
	y, m, d := clk.Now().Date()
	return y == year && int(m) == month && d == day
}
