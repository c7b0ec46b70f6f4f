package crdt

// MapContainer is the root-map capability a profile writes through: set a
// field, read a field, project the whole map as plain values.
type MapContainer interface {
	Set(name string, value any) bool
	Get(name string) (any, bool)
	ToJSON() map[string]any
}

// TextContainer is the text capability the richtext profile writes through:
// whole-value replacement of the designated text container.
type TextContainer interface {
	Update(content string) bool
	String() string
}

// MapView adapts a Document's root map to MapContainer, binding every write
// to a fixed actor.
type MapView struct {
	doc   *Document
	actor string
}

func (m MapView) Set(name string, value any) bool { return m.doc.SetField(m.actor, name, value) }
func (m MapView) Get(name string) (any, bool)     { return m.doc.GetField(name) }
func (m MapView) ToJSON() map[string]any          { return m.doc.ToJSON() }

// TextView adapts a Document's content field to TextContainer, binding
// every write to a fixed actor.
type TextView struct {
	doc   *Document
	actor string
}

func (t TextView) Update(content string) bool { return t.doc.UpdateText(t.actor, content) }
func (t TextView) String() string             { return t.doc.Text() }

// MapAs returns the document's root map bound to actor.
func (d *Document) MapAs(actor string) MapView { return MapView{doc: d, actor: actor} }

// TextAs returns the document's text container bound to actor.
func (d *Document) TextAs(actor string) TextView { return TextView{doc: d, actor: actor} }

var (
	_ MapContainer  = MapView{}
	_ TextContainer = TextView{}
)

// applyJSONChange writes every submitted field except "id" into the root
// map (the json profile's local-change projection).
func applyJSONChange(m MapContainer, row map[string]any) {
	for k, v := range row {
		if k == "id" {
			continue
		}
		m.Set(k, v)
	}
}

// applyRichTextChange routes "content" through the text container and every
// other field (except "id") through the root map.
func applyRichTextChange(m MapContainer, txt TextContainer, row map[string]any) {
	for k, v := range row {
		switch k {
		case "id":
		case "content":
			if s, ok := v.(string); ok {
				txt.Update(s)
			}
		default:
			m.Set(k, v)
		}
	}
}
