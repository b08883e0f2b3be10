package dto

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageContext(query string) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/api/v1/transactions?"+query, nil)
	return c
}

func TestParsePageRequest(t *testing.T) {
	tests := []struct {
		query      string
		page, size int
		offset     int
	}{
		{"", 1, DefaultPageSize, 0},
		{"page=3&page_size=20", 3, 20, 40},
		{"page_size=5000", 1, MaxPageSize, 0},
	}
	for _, tt := range tests {
		p, err := ParsePageRequest(pageContext(tt.query))
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.page, p.Page, tt.query)
		assert.Equal(t, tt.size, p.Limit(), tt.query)
		assert.Equal(t, tt.offset, p.Offset(), tt.query)
	}

	for _, bad := range []string{"page=0", "page=-1", "page=x", "page_size=0", "page_size=ten"} {
		_, err := ParsePageRequest(pageContext(bad))
		assert.Error(t, err, bad)
	}
}

func TestPageRequest_Describe(t *testing.T) {
	p := PageRequest{Page: 1, PageSize: 20}

	d := p.Describe(41)
	assert.Equal(t, 3, d.TotalPages)
	require.NotNil(t, d.NextPage)
	assert.Equal(t, 2, *d.NextPage)

	last := PageRequest{Page: 3, PageSize: 20}.Describe(41)
	assert.Nil(t, last.NextPage)

	empty := p.Describe(0)
	assert.Zero(t, empty.TotalPages)
	assert.Nil(t, empty.NextPage)
}
