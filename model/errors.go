package model

import "errors"

var errOverlap = errors.New("model: subregion overlaps an existing entry in its region")
