package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(2, []string{"monto", "Adjudicado", "Fecha"})

	cases := []struct {
		query string
		path  SearchPath
		rule  string
	}{
		{"", PathSemantic, "empty"},
		{"contabilidad", PathKeyword, "short"},
		{"ERP municipal", PathKeyword, "short"},
		{"licitaciones de software por S/ 500,000", PathKeyword, "amount"},
		{"proyectos de más de 200 mil soles", PathKeyword, "amount"},
		{"procesos publicados desde 2025-03-01", PathKeyword, "date"},
		{"procesos de la entidad con ruc 20131380951", PathKeyword, "code"},
		{"detalle del proceso AS-SM-12-2024-MPL", PathKeyword, "code"},
		{"sistemas de gestión Adjudicado, este año", PathKeyword, "filter_term"},
		{"cuál es la fécha límite del concurso", PathKeyword, "filter_term"},
		{"necesito desarrollar una plataforma para gestionar expedientes", PathSemantic, "default"},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			path, rule := c.Classify(tc.query)
			assert.Equal(t, tc.path, path)
			assert.Equal(t, tc.rule, rule)
		})
	}
}
