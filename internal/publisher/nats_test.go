package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "gates.tenkasi-kilakadaiyam.snapshot", SnapshotSubject("gates", "tenkasi-kilakadaiyam"))
	assert.Equal(t, "gates.line_1.gate.Mettur_LC", GateSubject("gates", "line.1", "Mettur LC"))
	assert.Equal(t, "gates._.gate.a_b", GateSubject("gates", " ", "a>b"))
}
