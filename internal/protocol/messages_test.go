package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifierResponseAmountForms(t *testing.T) {
	cases := map[string]string{
		"number": `{"success":true,"transfer":{"amount":0.005,"token":"ETH","recipient":"annie.base.eth"}}`,
		"string": `{"success":true,"transfer":{"amount":"0.005","token":"ETH","recipient":"annie.base.eth"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var resp ClassifierResponse
			require.NoError(t, json.Unmarshal([]byte(body), &resp))
			require.NotNil(t, resp.Transfer)
			assert.InDelta(t, 0.005, float64(resp.Transfer.Amount), 1e-12)
			assert.Equal(t, "ETH", resp.Transfer.Token)
		})
	}
}

func TestClassifierResponseRejectsBadAmount(t *testing.T) {
	for _, amount := range []string{`"lots"`, `"NaN"`, `"Inf"`, `"-Inf"`, `"Infinity"`, `"+Infinity"`} {
		var resp ClassifierResponse
		err := json.Unmarshal([]byte(`{"success":true,"transfer":{"amount":`+amount+`}}`), &resp)
		assert.Error(t, err, amount)
	}
}

func TestSubmissionRequestOmitsVoiceCommand(t *testing.T) {
	data, err := json.Marshal(SubmissionRequest{Amount: 1, Token: "ETH", Recipient: "bob.eth"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":1,"token":"ETH","recipient":"bob.eth"}`, string(data))
}
