// Package internaldata implements the acquire -> parse -> map & validate
// pipeline for a tenant's Internal Data catalog source (§4.6), and the
// single transaction that writes its result as a versioned snapshot.
//
// Grounded on original_source/src/app/services/internal_data/service.py
// (_apply_transforms, apply_mapping_to_rows, sync_now) reimplemented with
// this module's sqlx-direct, CAS-free append pattern; CSV parsing idiom
// grounded on tools/seed_data/import_delivery_routes.go's encoding/csv use.
package internaldata

import (
	"fmt"
	"strconv"
	"strings"
)

// ApplyTransforms runs a sequence of named transforms against a raw scalar
// value, mirroring _apply_transforms exactly: unknown transform names are
// ignored, a nil value short-circuits the remaining chain, and a failed
// numeric parse returns an error instead of silently producing nil.
func ApplyTransforms(value interface{}, transforms []string) (interface{}, error) {
	v := value
	for _, name := range transforms {
		if v == nil {
			break
		}
		switch name {
		case "strip":
			if s, ok := v.(string); ok {
				v = strings.TrimSpace(s)
			}
		case "sku_last_segment":
			if s, ok := v.(string); ok {
				parts := make([]string, 0, 4)
				for _, p := range strings.Split(s, "/") {
					if t := strings.TrimSpace(p); t != "" {
						parts = append(parts, t)
					}
				}
				if len(parts) > 0 {
					v = parts[len(parts)-1]
				} else {
					v = strings.Trim(strings.TrimSpace(s), "/")
				}
			}
		case "to_decimal":
			s := strings.ReplaceAll(strings.ReplaceAll(fmt.Sprint(v), " ", ""), ",", ".")
			if s == "" {
				v = nil
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse decimal from '%v'", v)
			}
			v = f
		case "to_int":
			s := strings.TrimSpace(fmt.Sprint(v))
			if s == "" {
				v = nil
				continue
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse int from '%v'", v)
			}
			v = n
		}
	}
	return v, nil
}
