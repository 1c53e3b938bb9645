// Package response renders S3 XML documents and error bodies.
package response

import (
	"encoding/xml"
	"net/http"

	"github.com/sirupsen/logrus"
)

// XMLWriter handles XML response writing.
type XMLWriter struct {
	logger *logrus.Entry
}

// NewXMLWriter creates a new XML response writer.
func NewXMLWriter(logger *logrus.Entry) *XMLWriter {
	return &XMLWriter{
		logger: logger,
	}
}

// WriteXML writes an XML response with status 200.
func (x *XMLWriter) WriteXML(w http.ResponseWriter, data interface{}) {
	x.WriteXMLWithStatus(w, data, http.StatusOK)
}

// WriteXMLWithStatus writes an XML response with a specific status code.
func (x *XMLWriter) WriteXMLWithStatus(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(statusCode)

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		x.logger.WithError(err).Error("failed to write XML response")
		return
	}
	if err := xml.NewEncoder(w).Encode(data); err != nil {
		x.logger.WithError(err).Error("failed to write XML response")
	}
}
