package helpers

import (
	"bytes"
	"html/template"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hotelier/hotel/money"
	"github.com/relabs-tech/hotelier/hotel/settings"
)

func TestFormatCurrency(t *testing.T) {
	assert.Equal(t, "€1,234.50", FormatCurrency(123450, "EUR"))
	assert.Equal(t, "$0.05", FormatCurrency(5, "usd"))
	assert.Equal(t, "-£12.00", FormatCurrency(-1200, "GBP"))
	assert.Equal(t, "1,000,000.00 SEK", FormatCurrency(100000000, "SEK"))
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "0", FormatNumber(0))
	assert.Equal(t, "999", FormatNumber(999))
	assert.Equal(t, "1,000", FormatNumber(1000))
	assert.Equal(t, "12,345,678", FormatNumber(12345678))
	assert.Equal(t, "-4,200", FormatNumber(-4200))
}

func TestDates(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, "02 Mar 2026", FormatDate(at, berlin))
	assert.Equal(t, "02 Mar 2026 00:30", FormatDateTime(&at, berlin))
	var missing *time.Time
	assert.Equal(t, "", FormatDate(missing, berlin))
	assert.Equal(t, "", FormatDateTime(time.Time{}, berlin))
}

func TestTimeAgo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "just now", TimeAgo(now.Add(-20*time.Second), now))
	assert.Equal(t, "1 minute ago", TimeAgo(now.Add(-time.Minute), now))
	assert.Equal(t, "5 hours ago", TimeAgo(now.Add(-5*time.Hour), now))
	assert.Equal(t, "3 days ago", TimeAgo(now.AddDate(0, 0, -3), now))
	assert.Equal(t, "2 months ago", TimeAgo(now.AddDate(0, 0, -65), now))
	assert.Equal(t, "1 year ago", TimeAgo(now.AddDate(-1, 0, -1), now))
	assert.Equal(t, "in the future", TimeAgo(now.Add(time.Hour), now))
}

func TestLookups(t *testing.T) {
	assert.Equal(t, "warning", StatusColor("low_stock"))
	assert.Equal(t, "success", StatusColor("paid"))
	assert.Equal(t, "secondary", StatusColor("whatever"))
	assert.Equal(t, "danger", PriorityColor("urgent"))
	assert.Equal(t, "#ffd700", TierColor("Gold"))
	assert.Equal(t, "#6c757d", TierColor("diamond"))
	assert.Equal(t, "Partially paid", StatusLabel("partially_paid"))
	assert.Equal(t, "", StatusLabel(""))
}

func TestText(t *testing.T) {
	assert.Equal(t, "42.5%", Percentage(17, 40))
	assert.Equal(t, "0%", Percentage(3, 0))
	assert.Equal(t, "100%", Percentage(2, 2))
	assert.Equal(t, "Extra pillows…", Truncate("Extra pillows for room 501", 15))
	assert.Equal(t, "short", Truncate("short", 15))
	assert.Equal(t, "1 item", Pluralize(1, "item", "items"))
	assert.Equal(t, "0 items", Pluralize(0, "item", "items"))
	assert.Equal(t, "GH", Initials("grace brewster hopper"))
	assert.Equal(t, "Ö", Initials("  Ödön "))
	assert.Equal(t, "", Initials(" "))
}

func TestFuncMap(t *testing.T) {
	hotel := settings.Default()
	hotel.Currency = "USD"
	tmpl, err := template.New("t").Funcs(FuncMap(hotel)).Parse(
		`{{ currency .Total }} {{ statusLabel .Status | upper }} {{ percentage .Part .Whole }} {{ hotelName }}`)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, tmpl.Execute(&out, map[string]interface{}{
		"Total": money.Cents(250075), "Status": "in_progress", "Part": 1, "Whole": 4,
	}))
	assert.Equal(t, "$2,500.75 IN PROGRESS 25% Hotelier", out.String())
}
