package utils

import (
	"strconv"
	"strings"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
)

const (
	// DisplayNamePrefix marks identities relayed by UbiquiTimes.
	DisplayNamePrefix = "UT-"
	// EndpointNamePrefix is followed by the owner's user id.
	EndpointNamePrefix = "UT-c_"
)

// PrefixedDisplayName 转发时使用的显示名
func PrefixedDisplayName(raw string) string {
	return DisplayNamePrefix + raw
}

// EndpointName 频道内该用户 webhook 的固定名称，创建与识别共用
func EndpointName(userID models.ID) string {
	return EndpointNamePrefix + userID.String()
}

// EndpointOwner reports the user an endpoint name belongs to, if it is one of ours.
func EndpointOwner(name string) (models.ID, bool) {
	raw, ok := strings.CutPrefix(name, EndpointNamePrefix)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return models.ID(v), true
}
