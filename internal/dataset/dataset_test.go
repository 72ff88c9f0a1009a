package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const discovery = "\uFEFFurl,title,domain,keyword,date_found\n" +
	"https://www.lemonde.fr/societe/a/,Titre,lemonde.fr,féminisme,2024-03-08\n" +
	"https://www.liberation.fr/b,\"Titre, avec virgule\",liberation.fr,parité,2024-03-08T09:30:00Z\n" +
	",vide,,,\n" +
	"https://www.france24.com/c\n"

func TestReadRecords(t *testing.T) {
	t.Parallel()

	table, err := Read(strings.NewReader(discovery))
	require.NoError(t, err)

	recs := table.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "https://www.lemonde.fr/societe/a/", recs[0].RawURL)
	assert.Equal(t, "https://www.lemonde.fr/societe/a", recs[0].NormalizedURL)
	assert.Equal(t, "lemonde.fr", recs[0].Domain)
	assert.Equal(t, "féminisme", recs[0].Keyword)
	assert.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), recs[0].DiscoveredAt)
	assert.Equal(t, time.Date(2024, 3, 8, 9, 30, 0, 0, time.UTC), recs[1].DiscoveredAt)
	assert.Equal(t, "france24.com", recs[2].Domain)
	assert.True(t, recs[2].DiscoveredAt.IsZero())

	assert.Len(t, table.URLs(), 3)
}

func TestReadRequiresURLColumn(t *testing.T) {
	t.Parallel()

	_, err := Read(strings.NewReader("link,domain\nhttps://x.fr,x.fr\n"))
	require.True(t, errors.Is(err, ErrNoURLColumn))

	_, err = Read(strings.NewReader(""))
	require.True(t, errors.Is(err, ErrNoURLColumn))
}

func TestFilterAndRewrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "urls_raw.csv")
	require.NoError(t, os.WriteFile(path, []byte(discovery), 0o600))

	table, err := ReadFile(path)
	require.NoError(t, err)
	dropped := table.Filter(func(url string) bool { return strings.Contains(url, "lemonde") })
	assert.Equal(t, 3, dropped)
	require.NoError(t, table.WriteFile(path))

	again, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://www.lemonde.fr/societe/a/"}, again.URLs())
	assert.Equal(t, "Titre", again.Value(again.Rows[0], "title"))
}

func TestReadFileMissing(t *testing.T) {
	t.Parallel()

	_, err := ReadFile(filepath.Join(t.TempDir(), "absent.csv"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
