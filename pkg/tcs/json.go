package tcs

import (
	"bytes"
	"io/ioutil"

	jsoniter "github.com/json-iterator/go"
)

// ConvertJSONFileToConfig opens a file.json and converts to ShellSeasoning.
func ConvertJSONFileToConfig(fileNamePath string) (*ShellSeasoning, error) {

	byteValue, err := ioutil.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &ShellSeasoning{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// CreateReportPayload marshals a report to JSON and optionally compresses it.
func CreateReportPayload(input interface{}, compressionType string) ([]byte, error) {

	var json = jsoniter.ConfigFastest
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	if compressionType == "" {
		return data, nil
	}

	buffer := &bytes.Buffer{}
	if err := CompressByType(compressionType, data, buffer); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// ReadReportPayload reverses CreateReportPayload into the supplied report struct.
func ReadReportPayload(data []byte, compressionType string, out interface{}) error {

	buffer := bytes.NewBuffer(data)
	if err := DecompressByType(compressionType, buffer); err != nil {
		return err
	}

	var json = jsoniter.ConfigFastest
	return json.Unmarshal(buffer.Bytes(), out)
}
