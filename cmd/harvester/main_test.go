package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/board-harvester/internal/site"
)

func TestParseCutoff(t *testing.T) {
	tests := []struct {
		name     string
		date     string
		year     int
		wantDate string
		wantYear int
		wantErr  bool
	}{
		{name: "none"},
		{name: "date", date: "2024-03-01", wantDate: "2024-03-01"},
		{name: "year", year: 2023, wantYear: 2023},
		{name: "both", date: "2024-03-01", year: 2023, wantErr: true},
		{name: "bad date", date: "01/03/2024", wantErr: true},
		{name: "bad year", year: 23, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCutoff(tt.date, tt.year)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantYear, got.Year)
			if tt.wantDate == "" {
				assert.Nil(t, got.Date)
				return
			}
			require.NotNil(t, got.Date)
			assert.Equal(t, tt.wantDate, got.Date.Format(time.DateOnly))
		})
	}
}

func TestSelectSites(t *testing.T) {
	reg := site.NewRegistry(&site.Config{Code: "beta"}, &site.Config{Code: "alpha"})

	sites, err := selectSites(reg, "", true)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "alpha", sites[0].Code)

	sites, err = selectSites(reg, "beta", false)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "beta", sites[0].Code)

	_, err = selectSites(reg, "gamma", false)
	assert.Error(t, err)

	_, err = selectSites(reg, "", false)
	assert.Error(t, err)

	_, err = selectSites(reg, "beta", true)
	assert.Error(t, err)

	_, err = selectSites(site.NewRegistry(), "", true)
	assert.Error(t, err)
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "", baseName(""))
	assert.Equal(t, "003_공고", baseName("/out/alpha/003_공고"))
}
