package agents

import (
	"fmt"
	"hash/fnv"
)

// Fixed ids for the single-instance agents of a task.
const (
	LeadAgentID     = "lead"
	CitationAgentID = "citer"
)

// stationNames is the pool of search subagent names. The list is fixed so a
// task's agent names are reproducible from its id.
var stationNames = []string{
	"Ome", "Gora", "Maji", "Ueno", "Ebisu",
	"Osaki", "Otaru", "Namba", "Tenma", "Mejiro",
	"Koenji", "Gotanda", "Ryogoku", "Yutenji", "Nippori",
	"Asagaya", "Mojiko", "Kottoi", "Taisho", "Yumoto",
	"Harajuku", "Shibuya", "Odawara", "Enoshima", "Ogikubo",
	"Ichigaya", "Komazawa", "Shinjuku", "Wakkanai", "Todoroki",
	"Obama", "Usa", "Gero", "Oboke", "Koboke",
	"Naruto", "Zushi", "Fussa", "Oppama",
	"Nikko", "Hakone", "Beppu", "Atami", "Ginza",
	"Akiba", "Kamakura", "Yokohama", "Nagasaki", "Sapporo",
	"Tama", "Musashi", "Omiya", "Urawa", "Kawagoe",
	"Hanno", "Chichibu", "Takao", "Mitaka", "Kichijoji",
}

// GetAgentName returns a deterministic name for the index-th search
// subagent dispatched by a task. Names are unique within a task: once the
// pool is exhausted a lap suffix is appended.
func GetAgentName(researchID string, index int) string {
	n := len(stationNames)
	if index < 0 {
		index = 0
	}
	offset := int(fnv32a(researchID) % uint32(n))
	name := stationNames[(offset+index)%n]
	if lap := index / n; lap > 0 {
		name = fmt.Sprintf("%s-%d", name, lap+1)
	}
	return name
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
