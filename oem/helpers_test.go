package oem_test

import (
	"testing"
	"time"

	"github.com/kapiche/gcloudoem/internal/fakeconn"
	"github.com/kapiche/gcloudoem/oem"
)

const testDataset = "test-ds"

// --- Test Entity Types ---

// Person exercises every property kind.
type Person struct {
	oem.Model
	FirstName string            `oem:"first_name,required"`
	LastName  string            `oem:"last_name"`
	Age       int               `oem:"age"`
	Height    float64           `oem:"height"`
	Active    bool              `oem:"active"`
	Tags      []string          `oem:"tags"`
	Joined    time.Time         `oem:"joined"`
	Manager   *oem.Key          `oem:"manager"`
	Notes     []byte            `oem:"notes,compressed"`
	Avatar    []byte            `oem:"avatar,noindex"`
	Prefs     map[string]string `oem:"prefs,json"`
	Skipped   string            `oem:"-"`
	internal  string
}

// Pet has a custom kind name and a Validator hook.
type Pet struct {
	oem.Model
	Name    string `oem:"name"`
	Species string `oem:"species"`
}

func (*Pet) Kind() string { return "Animal" }

func (p *Pet) Validate() error {
	if p.Species == "dragon" {
		return errDragon
	}
	return nil
}

type dragonError struct{}

func (dragonError) Error() string { return "dragons are not pets" }

var errDragon = dragonError{}

// newConn installs a fresh fake connection as the default and restores the
// defaults when the test ends.
func newConn(t *testing.T) *fakeconn.Conn {
	t.Helper()
	conn := fakeconn.New(testDataset, "")
	oem.Connect(conn)
	t.Cleanup(func() {
		oem.SetDefaultConnection(nil)
		oem.SetDefaultDataset("")
	})
	return conn
}
