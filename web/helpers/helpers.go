// Package helpers contains the formatting functions of the server rendered pages
package helpers

import (
	"fmt"
	"html/template"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/Masterminds/sprig/v3"

	"github.com/relabs-tech/hotelier/hotel/money"
	"github.com/relabs-tech/hotelier/hotel/settings"
)

var currencySymbols = map[string]string{
	"EUR": "€",
	"USD": "$",
	"GBP": "£",
	"CHF": "CHF ",
	"JPY": "¥",
}

// FormatCurrency formats an amount like €1,234.50. Unknown currencies are
// printed with their code, 1,234.50 SEK.
func FormatCurrency(amount money.Cents, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	s := amount.String()
	dot := strings.IndexByte(s, '.')
	whole, _ := strconv.ParseInt(s[:dot], 10, 64)
	number := FormatNumber(whole) + s[dot:]
	if symbol, ok := currencySymbols[strings.ToUpper(currency)]; ok {
		return sign + symbol + number
	}
	return sign + number + " " + strings.ToUpper(currency)
}

// FormatNumber adds thousands separators
func FormatNumber(n int64) string {
	if n < 0 {
		return "-" + FormatNumber(-n)
	}
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// asTime accepts time.Time and *time.Time. Nil and zero times are not ok.
func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	}
	return time.Time{}, false
}

// FormatDate formats a time.Time or *time.Time as 02 Jan 2006 in loc. Missing times are empty.
func FormatDate(v interface{}, loc *time.Location) string {
	t, ok := asTime(v)
	if !ok {
		return ""
	}
	return t.In(loc).Format("02 Jan 2006")
}

// FormatDateTime is FormatDate with the time of day
func FormatDateTime(v interface{}, loc *time.Location) string {
	t, ok := asTime(v)
	if !ok {
		return ""
	}
	return t.In(loc).Format("02 Jan 2006 15:04")
}

// TimeAgo describes the distance from t to now in the largest fitting unit
func TimeAgo(v interface{}, now time.Time) string {
	t, ok := asTime(v)
	if !ok {
		return ""
	}
	d := now.Sub(t)
	if d < 0 {
		return "in the future"
	}
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return Pluralize(int(d/time.Minute), "minute", "minutes") + " ago"
	case d < 24*time.Hour:
		return Pluralize(int(d/time.Hour), "hour", "hours") + " ago"
	case d < 30*24*time.Hour:
		return Pluralize(int(d/(24*time.Hour)), "day", "days") + " ago"
	case d < 365*24*time.Hour:
		return Pluralize(int(d/(30*24*time.Hour)), "month", "months") + " ago"
	}
	return Pluralize(int(d/(365*24*time.Hour)), "year", "years") + " ago"
}

var statusColors = map[string]string{
	"in_stock":           "success",
	"low_stock":          "warning",
	"out_of_stock":       "danger",
	"active":             "success",
	"inactive":           "secondary",
	"suspended":          "danger",
	"draft":              "secondary",
	"pending":            "warning",
	"approved":           "info",
	"ordered":            "primary",
	"partially_received": "info",
	"received":           "success",
	"cancelled":          "dark",
	"open":               "warning",
	"assigned":           "info",
	"in_progress":        "primary",
	"completed":          "success",
	"issued":             "primary",
	"partially_paid":     "info",
	"paid":               "success",
	"void":               "dark",
	"fulfilled":          "success",
}

// StatusColor returns the badge color of a status, secondary if unknown
func StatusColor(status string) string {
	if color, ok := statusColors[status]; ok {
		return color
	}
	return "secondary"
}

var priorityColors = map[string]string{
	"low":    "secondary",
	"normal": "info",
	"high":   "warning",
	"urgent": "danger",
}

// PriorityColor returns the badge color of a guest request priority
func PriorityColor(priority string) string {
	if color, ok := priorityColors[priority]; ok {
		return color
	}
	return "secondary"
}

var tierColors = map[string]string{
	"bronze":   "#cd7f32",
	"silver":   "#c0c0c0",
	"gold":     "#ffd700",
	"platinum": "#e5e4e2",
}

// TierColor returns the color of a loyalty tier. Custom tiers are gray.
func TierColor(tier string) string {
	if color, ok := tierColors[strings.ToLower(tier)]; ok {
		return color
	}
	return "#6c757d"
}

// StatusLabel turns partially_paid into "Partially paid"
func StatusLabel(status string) string {
	label := strings.ReplaceAll(status, "_", " ")
	r, size := utf8.DecodeRuneInString(label)
	if r == utf8.RuneError {
		return label
	}
	return string(unicode.ToUpper(r)) + label[size:]
}

// Percentage formats part of total with one decimal, 0% for an empty total
func Percentage(part, total float64) string {
	if total == 0 {
		return "0%"
	}
	p := math.Round(part/total*1000) / 10
	return strconv.FormatFloat(p, 'f', -1, 64) + "%"
}

// Truncate shortens s to n runes, ending in an ellipsis
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}

// Pluralize returns "1 item" or "3 items"
func Pluralize(n int, singular, plural string) string {
	if n == 1 || n == -1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %s", n, plural)
}

// Initials returns the upper case initials of the first and last word of a name
func Initials(name string) string {
	words := strings.Fields(name)
	if len(words) == 0 {
		return ""
	}
	first, _ := utf8.DecodeRuneInString(words[0])
	initials := string(unicode.ToUpper(first))
	if len(words) > 1 {
		last, _ := utf8.DecodeRuneInString(words[len(words)-1])
		initials += string(unicode.ToUpper(last))
	}
	return initials
}

// FuncMap returns sprig's HTML functions plus the helpers, bound to the hotel's
// currency and time zone
func FuncMap(hotel settings.Settings) template.FuncMap {
	loc := hotel.Location()
	funcs := sprig.HtmlFuncMap()
	for name, f := range map[string]interface{}{
		"currency": func(amount money.Cents) string { return FormatCurrency(amount, hotel.Currency) },
		"number": func(n interface{}) string {
			switch v := n.(type) {
			case int:
				return FormatNumber(int64(v))
			case int64:
				return FormatNumber(v)
			}
			return fmt.Sprint(n)
		},
		"formatDate":     func(v interface{}) string { return FormatDate(v, loc) },
		"formatDateTime": func(v interface{}) string { return FormatDateTime(v, loc) },
		"timeAgo":        func(v interface{}) string { return TimeAgo(v, time.Now()) },
		"statusColor":    StatusColor,
		"priorityColor":  PriorityColor,
		"tierColor":      TierColor,
		"statusLabel":    StatusLabel,
		"percentage": func(part, total interface{}) string {
			return Percentage(toFloat(part), toFloat(total))
		},
		"truncate":  Truncate,
		"pluralize": Pluralize,
		"initials":  Initials,
		"hotelName": func() string { return hotel.HotelName },
		// safeCSS is for values of the lookup tables only
		"safeCSS": func(s string) template.CSS { return template.CSS(s) },
	} {
		funcs[name] = f
	}
	return funcs
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case money.Cents:
		return float64(n)
	}
	return 0
}
