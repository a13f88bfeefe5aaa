package bloodunit

import "strings"

type BloodGroup string

const (
	ONeg  BloodGroup = "O_NEG"
	OPos  BloodGroup = "O_POS"
	ANeg  BloodGroup = "A_NEG"
	APos  BloodGroup = "A_POS"
	BNeg  BloodGroup = "B_NEG"
	BPos  BloodGroup = "B_POS"
	ABNeg BloodGroup = "AB_NEG"
	ABPos BloodGroup = "AB_POS"
)

var AllGroups = []BloodGroup{ONeg, OPos, ANeg, APos, BNeg, BPos, ABNeg, ABPos}

// ParseBloodGroup accepts the canonical form and the common "A+"/"AB-" spelling.
func ParseBloodGroup(s string) (BloodGroup, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.HasSuffix(s, "+"):
		s = strings.TrimSuffix(s, "+") + "_POS"
	case strings.HasSuffix(s, "-"):
		s = strings.TrimSuffix(s, "-") + "_NEG"
	}
	g := BloodGroup(s)
	return g, g.Valid()
}

func (g BloodGroup) Valid() bool {
	for _, v := range AllGroups {
		if g == v {
			return true
		}
	}
	return false
}

// ABO returns "O", "A", "B" or "AB".
func (g BloodGroup) ABO() string {
	abo, _, _ := strings.Cut(string(g), "_")
	return abo
}

func (g BloodGroup) RhPositive() bool {
	return strings.HasSuffix(string(g), "_POS")
}

// antigens returns the A/B antigens carried on red cells of this ABO type.
func antigens(abo string) (a, b bool) {
	return strings.Contains(abo, "A"), strings.Contains(abo, "B")
}

// antigensSubset reports whether every ABO antigen of x is present in y.
func antigensSubset(x, y string) bool {
	xa, xb := antigens(x)
	ya, yb := antigens(y)
	return (!xa || ya) && (!xb || yb)
}

// RedCellCompatible: donor red cells must carry no antigen the recipient's
// plasma attacks, and Rh-positive cells go only to Rh-positive recipients.
func RedCellCompatible(donor, recipient BloodGroup) bool {
	if !antigensSubset(donor.ABO(), recipient.ABO()) {
		return false
	}
	return !donor.RhPositive() || recipient.RhPositive()
}

// PlasmaCompatible: donor plasma must carry no antibody against the
// recipient's cells. Rh does not apply.
func PlasmaCompatible(donor, recipient BloodGroup) bool {
	return antigensSubset(recipient.ABO(), donor.ABO())
}

// Compatible reports whether a unit of the given component may be given to
// the recipient, and whether the match is the preferred one. Platelets and
// cryo accept any ABO but prefer plasma-compatible units.
func Compatible(c Component, donor, recipient BloodGroup) (ok, preferred bool) {
	switch c {
	case ComponentWholeBlood:
		ok = donor.ABO() == recipient.ABO() && (!donor.RhPositive() || recipient.RhPositive())
		return ok, ok
	case ComponentPRBC:
		ok = RedCellCompatible(donor, recipient)
		return ok, ok
	case ComponentFFP:
		ok = PlasmaCompatible(donor, recipient)
		return ok, ok
	case ComponentPlatelets, ComponentCryo:
		return true, PlasmaCompatible(donor, recipient)
	}
	return false, false
}

// EmergencyGroups lists the groups to draw from, in order, when the
// recipient's group is unknown.
func EmergencyGroups(c Component) []BloodGroup {
	switch {
	case c.RedCells():
		return []BloodGroup{ONeg, OPos}
	case c == ComponentFFP || c == ComponentCryo:
		return []BloodGroup{ABNeg, ABPos, ANeg, APos}
	default:
		return AllGroups
	}
}
