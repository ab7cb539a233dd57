package dpool

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/daos-stack/dfused/internal/backend/fake"
)

func TestParseCacheSetting(t *testing.T) {
	cases := []struct {
		in      string
		want    CacheSetting
		wantErr bool
	}{
		{in: "off", want: CacheSetting{Mode: CacheOff}},
		{in: "false", want: CacheSetting{Mode: CacheOff}},
		{in: "on", want: CacheSetting{Mode: CacheOn}},
		{in: "true", want: CacheSetting{Mode: CacheOn}},
		{in: "TRUE", want: CacheSetting{Mode: CacheOn}},
		{in: "otoc", want: CacheSetting{Mode: CacheOTOC}},
		{in: "30", want: CacheSetting{Mode: CacheTimed, Timeout: 30 * time.Second}},
		{in: "30s", want: CacheSetting{Mode: CacheTimed, Timeout: 30 * time.Second}},
		{in: "5m", want: CacheSetting{Mode: CacheTimed, Timeout: 5 * time.Minute}},
		{in: "2h", want: CacheSetting{Mode: CacheTimed, Timeout: 2 * time.Hour}},
		{in: "1d", want: CacheSetting{Mode: CacheTimed, Timeout: 24 * time.Hour}},
		{in: "", wantErr: true},
		{in: "5x", wantErr: true},
		{in: "m", wantErr: true},
		{in: "-3", wantErr: true},
		{in: "3.5s", wantErr: true},
		{in: "maybe", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseCacheSetting(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		assert.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestRationalize_DirectIOForcesDataCache(t *testing.T) {
	a := CachingAttrs{
		DirectIODisable: true,
		Data:            CacheSetting{Mode: CacheOff},
	}
	a.Rationalize()
	assert.True(t, a.Data.Enabled())
}

func TestRationalize_DentryDirInheritsDentry(t *testing.T) {
	a := CachingAttrs{
		Dentry: CacheSetting{Mode: CacheTimed, Timeout: 5 * time.Second},
	}
	a.Rationalize()
	assert.Equal(t, a.Dentry, a.DentryDir)
	assert.Equal(t, 5*time.Second, a.DentryDirTimeout())

	// An explicit dentry-dir setting is not overwritten.
	b := CachingAttrs{
		Dentry:    CacheSetting{Mode: CacheTimed, Timeout: 5 * time.Second},
		DentryDir: CacheSetting{Mode: CacheOff},
	}
	b.Rationalize()
	assert.Equal(t, CacheOff, b.DentryDir.Mode)
}

func TestReadAttrs(t *testing.T) {
	cont := fake.NewContainer(uuid.New(), uuid.New())
	cont.SetAttr(AttrTimeName, "10s")
	cont.SetAttr(DentryTimeName, "5")
	cont.SetAttr(DataCacheName, "otoc")
	cont.SetAttr(DirectIODisableName, "off")

	a, err := ReadAttrs(context.Background(), cont)
	assert.NoError(t, err)
	assert.Equal(t, 10*time.Second, a.AttrTimeout())
	assert.Equal(t, 5*time.Second, a.DentryTimeout())
	assert.Equal(t, CacheOTOC, a.Data.Mode)
	assert.False(t, a.DirectIODisable)
	assert.False(t, a.NDentry.Set())
}

func TestReadAttrs_MalformedValueFailsOpen(t *testing.T) {
	cont := fake.NewContainer(uuid.New(), uuid.New())
	cont.SetAttr(DentryTimeName, "sideways")
	_, err := ReadAttrs(context.Background(), cont)
	assert.Error(t, err)

	boolCont := fake.NewContainer(uuid.New(), uuid.New())
	boolCont.SetAttr(DirectIODisableName, "30s")
	_, err = ReadAttrs(context.Background(), boolCont)
	assert.Error(t, err)
}
