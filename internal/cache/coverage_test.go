package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoverageAddMergesOverlapAndAdjacency(t *testing.T) {
	var c coverageSet
	c.Add(0, 10)
	c.Add(20, 30)
	assert.Equal(t, []Window{{0, 10}, {20, 30}}, c.Windows())

	// 相邻窗口合并
	c.Add(10, 20)
	assert.Equal(t, []Window{{0, 30}}, c.Windows())

	// 完全被包含 → 不变
	c.Add(5, 15)
	assert.Equal(t, []Window{{0, 30}}, c.Windows())

	// 部分重叠向右扩展
	c.Add(25, 40)
	assert.Equal(t, []Window{{0, 40}}, c.Windows())

	// 空区间忽略
	c.Add(50, 50)
	assert.Equal(t, []Window{{0, 40}}, c.Windows())
}

func TestCoverageMissingReturnsOnlyGaps(t *testing.T) {
	var c coverageSet
	c.Add(10, 20)
	c.Add(30, 40)

	assert.Equal(t, []Window{{0, 10}, {20, 30}, {40, 50}}, c.Missing(0, 50))
	assert.Equal(t, []Window{{20, 30}}, c.Missing(12, 35))
	assert.Nil(t, c.Missing(10, 20))
	assert.Nil(t, c.Missing(32, 38))
	assert.True(t, c.Covers(30, 40))
	assert.False(t, c.Covers(5, 15))
}

func TestCoverageMissingOnEmptySet(t *testing.T) {
	var c coverageSet
	assert.Equal(t, []Window{{5, 9}}, c.Missing(5, 9))
	assert.Nil(t, c.Missing(9, 5))
}
