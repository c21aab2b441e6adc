package store

import "errors"

var (
	ErrRegionExists   = errors.New("pagemapdb: region already exists")
	ErrBadRegionName  = errors.New("pagemapdb: region name must be a single path element")
	ErrPageOutOfRange = errors.New("pagemapdb: page index beyond region extent")
)
