package sectorbuilder

// choosePackingTarget picks which staged sector should receive a piece of
// incomingSize logical bytes: first-fit, scanning sector ids in ascending
// order, falling back to a brand new sector if none has room. order must
// list exactly the keys of staged, in ascending sector_id order; the caller
// maintains this ordering since staged is a map and map iteration order is
// not stable.
func choosePackingTarget(staged map[uint64]*StagedSectorMetadata, order []uint64, incomingSize, maxBytes uint64) (sectorID uint64, isNew bool) {
	for _, id := range order {
		s, ok := staged[id]
		if !ok || s.SealStatus != SealStatusPending {
			continue
		}
		if s.UsedBytes()+incomingSize <= maxBytes {
			return id, false
		}
	}
	return 0, true
}
