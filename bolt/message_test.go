package bolt

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func hexToBytes(t *testing.T, hexStr string) []byte {
	t.Helper()

	decoded, err := hex.DecodeString(hexStr)
	require.NoError(t, err)

	return decoded
}

// TestKnownOpenChannel2Message decodes and re-encodes an open_channel2
// wire message created by CLN.
func TestKnownOpenChannel2Message(t *testing.T) {
	t.Parallel()

	knownEncodedMsg := hexToBytes(t, "004006226e46111a0b59caaf126043eb5bbf"+
		"28c34f3a5e332a1fc7b2b73cf188910f2aa51d05d2a4cc27183fcdc3f78cb"+
		"87812a617d8b843369e3c7bb51222898db200001d4c00001d4c0000000000"+
		"0186a00000000000000222ffffffffffffffff0000000000000000000501e"+
		"30000006602324266de8403b3ab157a09f1f784d587af61831c998c151bcc"+
		"21bb74c2b2314b02eb546006587442551b7f1c08e6336998d3ffafe1bedea"+
		"92aaff9ba03bc3d02e6022dbc0053dd6f3310d84e55eebaacfad53fe3e3ec"+
		"3c2cecb1cffebdd95fa8063f03b5aa92c890a616a425948f6eef8be810e7b"+
		"65d1a6fe5bf5df62d83e1727f81d602346928c7642a1098a328e2787254c0"+
		"60f03a6b2c06af78a128868f913945d447029f443a7d1cb0f003caf78b9d5"+
		"b7edef51fd7745b43a1b921b6f22ce748bfeb500100160014c2ccab171c2a"+
		"5be9dab52ec41b825863024c546601021000")

	msg, err := Decode(knownEncodedMsg)
	require.NoError(t, err, "failed to decode open_channel2")
	require.Equal(t, MsgOpenChannel2, msg.Type)
	require.Equal(t, "open_channel2", msg.Name())

	require.Equal(t, hexToBytes(t, "06226e46111a0b59caaf126043eb5bbf28c3"+
		"4f3a5e332a1fc7b2b73cf188910f"), msg.Fields["chain_hash"].B)
	require.Equal(t, hexToBytes(t, "2aa51d05d2a4cc27183fcdc3f78cb87812a6"+
		"17d8b843369e3c7bb51222898db2"), msg.Fields["channel_id"].B)
	require.Equal(t, uint64(7500), msg.Fields["funding_feerate_perkw"].N)
	require.Equal(t, uint64(7500), msg.Fields["commitment_feerate_perkw"].N)
	require.Equal(t, uint64(100000), msg.Fields["funding_satoshis"].N)
	require.Equal(t, uint64(546), msg.Fields["dust_limit_satoshis"].N)
	require.Equal(t, uint64(18446744073709551615),
		msg.Fields["max_htlc_value_in_flight_msat"].N)
	require.Equal(t, uint64(0), msg.Fields["htlc_minimum_msat"].N)
	require.Equal(t, uint64(5), msg.Fields["to_self_delay"].N)
	require.Equal(t, uint64(483), msg.Fields["max_accepted_htlcs"].N)
	require.Equal(t, uint64(102), msg.Fields["locktime"].N)
	require.Equal(t, hexToBytes(t, "02324266de8403b3ab157a09f1f784d587af"+
		"61831c998c151bcc21bb74c2b2314b"), msg.Fields["funding_pubkey"].B)
	require.Equal(t, hexToBytes(t, "029f443a7d1cb0f003caf78b9d5b7edef51f"+
		"d7745b43a1b921b6f22ce748bfeb50"),
		msg.Fields["first_per_commitment_point"].B)
	require.Equal(t, uint64(1), msg.Fields["channel_flags"].N)

	// The upfront shutdown script and channel type TLVs ride along as
	// undecoded extra data.
	require.Equal(t, hexToBytes(t, "00160014c2ccab171c2a5be9dab52ec41b82"+
		"5863024c546601021000"), msg.Extra)

	reencoded, err := msg.Encode()
	require.NoError(t, err, "failed to re-encode open_channel2")
	require.Equal(t, knownEncodedMsg, reencoded)
}

// TestKnownAcceptChannel2Message decodes and re-encodes an
// accept_channel2 wire message created by CLN.
func TestKnownAcceptChannel2Message(t *testing.T) {
	t.Parallel()

	knownEncodedMsg := hexToBytes(t, "00412aa51d05d2a4cc27183fcdc3f78cb878"+
		"12a617d8b843369e3c7bb51222898db200000000000000000000000000000"+
		"222ffffffffffffffff000000000000000000000001000501e302e3bd3800"+
		"9866c9da8ec4aa99cc4ea9c6c0dd46df15c61ef0ce1f271291714e5703cdc"+
		"b22e07f0f83805ae79d0fa1b777dc1dbd27c1dd2840469d72cf305332d663"+
		"02abc10666592840eb562f2afaedfac56930b4482ec5d8b61b5a4485b383c"+
		"2cba80331446fd843787dae9f2a68633aa17438c566f8a9a5f2115ab4dc2d"+
		"2753baa5b803e0a7bb422b254f54bc954be05bd6823a7b7a4b996ff8d3079"+
		"ca211590fb5df390371b7132cde15d9f729b6c24b08d808b59599806f7af5"+
		"e8be6811a0874c3c097700160014c2ccab171c2a5be9dab52ec41b8258630"+
		"24c546601021000")

	msg, err := Decode(knownEncodedMsg)
	require.NoError(t, err, "failed to decode accept_channel2")
	require.Equal(t, MsgAcceptChannel2, msg.Type)

	require.Equal(t, hexToBytes(t, "2aa51d05d2a4cc27183fcdc3f78cb87812a6"+
		"17d8b843369e3c7bb51222898db2"), msg.Fields["channel_id"].B)
	require.Equal(t, uint64(0), msg.Fields["funding_satoshis"].N)
	require.Equal(t, uint64(546), msg.Fields["dust_limit_satoshis"].N)
	require.Equal(t, uint64(1), msg.Fields["minimum_depth"].N)
	require.Equal(t, uint64(5), msg.Fields["to_self_delay"].N)
	require.Equal(t, uint64(483), msg.Fields["max_accepted_htlcs"].N)
	require.Equal(t, hexToBytes(t, "02e3bd38009866c9da8ec4aa99cc4ea9c6c0"+
		"dd46df15c61ef0ce1f271291714e57"), msg.Fields["funding_pubkey"].B)
	require.Equal(t, hexToBytes(t, "0371b7132cde15d9f729b6c24b08d808b595"+
		"99806f7af5e8be6811a0874c3c0977"),
		msg.Fields["first_per_commitment_point"].B)

	reencoded, err := msg.Encode()
	require.NoError(t, err, "failed to re-encode accept_channel2")
	require.Equal(t, knownEncodedMsg, reencoded)
}

func TestUnknownMessagePassthrough(t *testing.T) {
	t.Parallel()

	raw := hexToBytes(t, "270fdeadbeef")
	msg, err := Decode(raw)
	require.NoError(t, err)
	require.False(t, msg.Known())
	require.True(t, msg.Type.IsOdd())
	require.Equal(t, "unknown_9999", msg.Name())
	require.Equal(t, hexToBytes(t, "deadbeef"), msg.Extra)

	reencoded, err := msg.Encode()
	require.NoError(t, err)
	require.Equal(t, raw, reencoded)
}

func TestEncodeMissingField(t *testing.T) {
	t.Parallel()

	msg, err := NewMessage("tx_complete")
	require.NoError(t, err)

	_, err = msg.Encode()
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel_id")

	msg.Fields["channel_id"] = BytesValue(make([]byte, 32))
	encoded, err := msg.Encode()
	require.NoError(t, err)
	require.Len(t, encoded, 2+32)
}

func TestWitnessStackRoundTrip(t *testing.T) {
	t.Parallel()

	msg, err := NewMessage("tx_signatures")
	require.NoError(t, err)
	msg.Fields["channel_id"] = BytesValue(make([]byte, 32))
	msg.Fields["txid"] = BytesValue(make([]byte, 32))
	msg.Fields["witness_stack"] = ListValue(
		ListValue(
			BytesValue(hexToBytes(t, "3044aabb01")),
			BytesValue(hexToBytes(t, "02deadbeef")),
		),
	)

	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.True(t, msg.Fields["witness_stack"].Equal(decoded.Fields["witness_stack"]))
}
