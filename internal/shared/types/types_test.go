package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDParses(t *testing.T) {
	id, err := ParseID(NewID())
	assert.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = ParseID("not-a-uuid")
	assert.Error(t, err)
}

func TestLocationString(t *testing.T) {
	loc := Location{Latitude: 44.81234, Longitude: 20.46123, Accuracy: 12}
	assert.Equal(t, "44.81234, 20.46123 (±12 m)", loc.String())

	loc.Address = "Knez Mihailova 1"
	assert.Contains(t, loc.String(), "Knez Mihailova 1")
	assert.Equal(t, "https://maps.google.com/?q=44.812340,20.461230", loc.MapsURL())
}
