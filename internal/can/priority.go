package can

// PriorityOver reports whether f would win bus arbitration against g. It is
// the software rendition of CAN's dominant/recessive bit contention,
// evaluated as a total order:
//
//  1. Standard vs. extended format: the 11 most significant identifier bits
//     are compared first; on a tie the extended frame loses, because its IDE
//     bit is recessive where the standard frame already ended arbitration.
//  2. Same identifier, RTR vs. data: the data frame wins, its RTR bit being
//     dominant.
//  3. Otherwise the numerically smaller identifier wins.
func (f Frame) PriorityOver(g Frame) bool {
	cleanF := f.ID & MaskExtended
	cleanG := g.ID & MaskExtended

	extF := f.ID&FlagExtended != 0
	extG := g.ID&FlagExtended != 0
	if extF != extG {
		arbF := cleanF
		if extF {
			arbF = cleanF >> 18
		}
		arbG := cleanG
		if extG {
			arbG = cleanG >> 18
		}
		if arbF != arbG {
			return arbF < arbG
		}
		return extG
	}

	rtrF := f.ID&FlagRemote != 0
	rtrG := g.ID&FlagRemote != 0
	if cleanF == cleanG && rtrF != rtrG {
		return rtrG
	}

	return cleanF < cleanG
}
