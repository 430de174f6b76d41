package udpserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTmstImmediateRoundTrip(t *testing.T) {
	raw := []byte(`{"codr":"4/5","data":"QDDaAAHUbYkmAGY3AFAvfpbHJeCeuDu3xbCCHeg7YPOUJOfBCSc4Y3LtT4aToTGl9AYK4+NiALvTgey0M4ZJzh43vLaaXzFHko0jlb0CVeNgAtbTsAttQ","datr":"SF10BW125","freq":904.1,"imme":true,"ipol":false,"modu":"LORA","powe":27,"rfch":0,"size":87,"tmst":"immediate"}`)

	var txpk TxPk
	require.NoError(t, json.Unmarshal(raw, &txpk))
	assert.True(t, txpk.Tmst.IsImmediate())

	out, err := json.Marshal(txpk)
	require.NoError(t, err)

	var roundTripped TxPk
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.True(t, roundTripped.Tmst.IsImmediate())
}

func TestTmstNumberRoundTrip(t *testing.T) {
	raw := []byte(`{"codr":"4/5","data":"IHLF2EA+n8BFY1vrCU1k/Vg=","datr":"SF10BW500","freq":926.9000244140625,"imme":false,"ipol":true,"modu":"LORA","powe":27,"rfch":0,"size":17,"tmst":727050748}`)

	var txpk TxPk
	require.NoError(t, json.Unmarshal(raw, &txpk))
	assert.False(t, txpk.Tmst.IsImmediate())
	assert.Equal(t, uint32(727050748), txpk.Tmst.Value())

	out, err := json.Marshal(txpk)
	require.NoError(t, err)

	var roundTripped TxPk
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.False(t, roundTripped.Tmst.IsImmediate())
	assert.Equal(t, uint32(727050748), roundTripped.Tmst.Value())
}

func TestTmstRejectsUnknownString(t *testing.T) {
	var v TmstValue
	err := json.Unmarshal([]byte(`"soon"`), &v)
	assert.Error(t, err)
}
