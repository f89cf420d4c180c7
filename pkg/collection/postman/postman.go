// Package postman implements the optional Postman-collection adapter:
// lowering a Postman v2.1 collection JSON document into this runtime's
// native collection.Collection tree.
//
// Grounded on falcon's spec_ingester.PostmanParser (its recursive
// item-walk over postman.Items, classifying by IsGroup()/Request),
// generalized from extracting a flat list of documentation endpoints to
// rebuilding the full collection tree: folders become collection.Item
// folders, requests carry their method/url/headers/body forward as the
// native request "data" blob, and Postman's own pre-request/test
// scripts and collection/folder variables come along instead of being
// dropped.
package postman

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	postman "github.com/rbretecher/go-postman-collection"

	"github.com/blackcoderx/runlet/pkg/collection"
)

// Convert parses raw as a Postman v2.1 collection and lowers it into a
// native Collection. The result always has Protocol "http"; callers
// whose plugin registry uses a different protocol id should set
// Collection.Protocol on the returned value before running it.
func Convert(id string, raw []byte) (*collection.Collection, error) {
	coll, err := postman.ParseCollection(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing postman collection: %w", err)
	}

	out := &collection.Collection{
		ID:        id,
		Name:      coll.Info.Name,
		Protocol:  "http",
		Variables: convertVariables(coll.Variable),
	}
	out.Items = convertItems(coll.Items, "item")
	return out, nil
}

// convertItems walks a Postman item tree. path seeds synthetic, stable
// ids for items, since go-postman-collection's Items carries no id field
// of its own.
func convertItems(items []*postman.Items, path string) []collection.Item {
	var out []collection.Item
	for i, item := range items {
		itemID := path + "-" + strconv.Itoa(i)
		if item.IsGroup() {
			out = append(out, collection.Item{
				ID:   itemID,
				Name: item.Name,
				Kind: collection.KindFolder,
				Folder: &collection.FolderData{
					Variables: convertVariables(item.Variable),
					Items:     convertItems(item.Items, itemID),
				},
			})
			continue
		}
		if item.Request == nil {
			continue
		}
		out = append(out, collection.Item{
			ID:      itemID,
			Name:    item.Name,
			Kind:    collection.KindRequest,
			Request: convertRequest(item),
		})
	}
	return out
}

func convertRequest(item *postman.Items) *collection.RequestData {
	req := item.Request
	doc := map[string]interface{}{
		"method": string(req.Method),
	}
	if req.URL != nil {
		doc["url"] = req.URL.Raw
	}
	if len(req.Header) > 0 {
		headers := map[string][]string{}
		for _, h := range req.Header {
			if h.Disabled {
				continue
			}
			headers[h.Key] = append(headers[h.Key], h.Value)
		}
		if len(headers) > 0 {
			doc["headers"] = headers
		}
	}
	convertBody(req.Body, doc)
	data, _ := json.Marshal(doc)

	rd := &collection.RequestData{Data: data}
	for _, ev := range item.Event {
		if ev.Script == nil {
			continue
		}
		script := strings.Join(ev.Script.Exec, "\n")
		switch ev.Listen {
		case "prerequest":
			rd.PreScript = script
		case "test":
			rd.PostScript = script
		}
	}
	return rd
}

// convertBody lowers a Postman request body into doc's "body"/"bodyMode"
// entries, dropping disabled form/urlencoded fields the way convertRequest
// already drops disabled headers.
func convertBody(body *postman.Body, doc map[string]interface{}) {
	if body == nil || body.Disabled {
		return
	}

	switch body.Mode {
	case postman.ModeRaw:
		if body.Raw != "" {
			doc["body"] = body.Raw
			doc["bodyMode"] = "raw"
		}
	case postman.ModeURLEncoded:
		values := map[string]string{}
		for _, p := range body.URLEncoded {
			if p.Disabled {
				continue
			}
			values[p.Key] = p.Value
		}
		doc["body"] = values
		doc["bodyMode"] = "urlencoded"
	case postman.ModeFormData:
		values := map[string]string{}
		for _, p := range body.FormData {
			if p.Disabled {
				continue
			}
			values[p.Key] = p.Value
		}
		doc["body"] = values
		doc["bodyMode"] = "formdata"
	case postman.ModeGraphQL:
		if body.GraphQL != nil {
			doc["body"] = map[string]string{
				"query":     body.GraphQL.Query,
				"variables": body.GraphQL.Variables,
			}
			doc["bodyMode"] = "graphql"
		}
	}
}

func convertVariables(vars []*postman.Variable) map[string]collection.Variable {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]collection.Variable, len(vars))
	for _, v := range vars {
		out[v.Key] = collection.Variable{Value: fmt.Sprint(v.Value), Enabled: true}
	}
	return out
}
