package blizzard

// classNames maps playable class IDs to display names. The roster endpoint
// only returns IDs; resolving them locally saves one API call per character.
var classNames = map[int]string{
	1:  "Warrior",
	2:  "Paladin",
	3:  "Hunter",
	4:  "Rogue",
	5:  "Priest",
	6:  "Death Knight",
	7:  "Shaman",
	8:  "Mage",
	9:  "Warlock",
	10: "Monk",
	11: "Druid",
	12: "Demon Hunter",
	13: "Evoker",
}

// ClassName resolves a playable class ID to its display name. Unknown IDs
// resolve to "Unknown" so new classes degrade gracefully.
func ClassName(id int) string {
	if name, ok := classNames[id]; ok {
		return name
	}
	return "Unknown"
}
