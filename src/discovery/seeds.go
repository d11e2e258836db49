package discovery

import (
	"encoding/json"
	"io/ioutil"
)

// ReadSeedsFile parses a JSON array of addresses, the on-disk companion of
// the --seeds flag.
func ReadSeedsFile(path string) ([]string, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	seeds := []string{}
	if err := json.Unmarshal(buf, &seeds); err != nil {
		return nil, err
	}

	return seeds, nil
}
